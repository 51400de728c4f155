package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/webrtc-signaling/backend/model"
	sw "github.com/adwski/webrtc-signaling/backend/switch"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	statusActive = "active"
)

var (
	ErrInvalidRoomID    = errors.New("invalid room id")
	ErrInvalidClientID  = errors.New("invalid client id")
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
)

type (
	Switch interface {
		Connect(roomID, clientID string, ep sw.Endpoint) []model.Candidate
		Release(roomID, clientID string, ep sw.Endpoint) bool
		Unicast(ctx context.Context, msg model.Message, roomID, clientID string) bool
		Broadcast(ctx context.Context, msg model.Message, roomID, exclude string) int
		BroadcastCandidate(ctx context.Context, msg model.Message, roomID, exclude string) int
		RoomCount() int
		MemberCount() int
		Rooms() []model.RoomSummary
	}

	Service struct {
		sw         Switch
		iceServers []webrtc.ICEServer
		logger     zerolog.Logger
	}

	Config struct {
		Switch     Switch
		ICEServers []webrtc.ICEServer
		Logger     *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sw:         cfg.Switch,
		iceServers: cfg.ICEServers,
		logger:     cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// ValidateIDs is the admission check for a signaling session.
func ValidateIDs(roomID, clientID string) error {
	if !model.ValidID(roomID) {
		return ErrInvalidRoomID
	}
	if !model.ValidID(clientID) {
		return ErrInvalidClientID
	}
	return nil
}

// Join admits endpoint into the room and replays candidates
// recorded before it joined, in recording order.
func (svc *Service) Join(ctx context.Context, roomID, clientID string, ep sw.Endpoint) error {
	if err := ValidateIDs(roomID, clientID); err != nil {
		return err
	}

	replay := svc.sw.Connect(roomID, clientID, ep)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Int("replay", len(replay)).
		Msg("client joined room")

	for _, candidate := range replay {
		msg := model.Message{
			Type:      model.MessageTypeCandidateReplay,
			Candidate: candidate,
		}
		if !svc.sw.Unicast(ctx, msg, roomID, clientID) {
			svc.logger.Debug().
				Str("roomID", roomID).
				Str("clientID", clientID).
				Msg("candidate replay interrupted")
			break
		}
	}
	return nil
}

// Handle dispatches one inbound frame. Returned errors describe a discarded
// message and are never fatal for the session.
func (svc *Service) Handle(ctx context.Context, roomID, clientID string, frame map[string]any) error {
	msgType, ok := frame["type"].(string)
	if !ok || msgType == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch msgType {
	case model.MessageTypePing:
		svc.sw.Unicast(ctx, model.Message{Type: model.MessageTypePong}, roomID, clientID)

	case model.MessageTypeOffer:
		payload, err := structuredPayload(frame, msgType)
		if err != nil {
			return err
		}
		svc.sw.Broadcast(ctx, model.Message{
			Type:   model.MessageTypeOffer,
			Offer:  payload,
			Sender: clientID,
		}, roomID, clientID)

	case model.MessageTypeAnswer:
		payload, err := structuredPayload(frame, msgType)
		if err != nil {
			return err
		}
		svc.sw.Broadcast(ctx, model.Message{
			Type:   model.MessageTypeAnswer,
			Answer: payload,
			Sender: clientID,
		}, roomID, clientID)

	case model.MessageTypeCandidate:
		payload, err := structuredPayload(frame, msgType)
		if err != nil {
			return err
		}
		svc.sw.BroadcastCandidate(ctx, model.Message{
			Type:      model.MessageTypeCandidate,
			Candidate: payload,
			Sender:    clientID,
		}, roomID, clientID)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	svc.logger.Trace().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Str("type", msgType).
		Msg("message handled")
	return nil
}

func structuredPayload(frame map[string]any, field string) (model.Payload, error) {
	payload, ok := frame[field].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrMalformedMessage, field)
	}
	return payload, nil
}

// Leave removes endpoint from the room and tells remaining members about it.
// Nothing is announced if the client has already reconnected with another endpoint.
func (svc *Service) Leave(ctx context.Context, roomID, clientID string, ep sw.Endpoint) {
	logger := svc.logger.With().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Logger()

	if superseded := svc.sw.Release(roomID, clientID, ep); superseded {
		logger.Debug().Msg("client left, but reconnected already")
		return
	}
	n := svc.sw.Broadcast(ctx, model.Message{
		Type:   model.MessageTypeUserDisconnected,
		UserID: clientID,
	}, roomID, "")

	logger.Debug().
		Int("notified", n).
		Msg("client left room")
}

func (svc *Service) Status() model.Status {
	return model.Status{
		Status:    statusActive,
		Rooms:     svc.sw.RoomCount(),
		Clients:   svc.sw.MemberCount(),
		Timestamp: time.Now().UTC(),
	}
}

func (svc *Service) Rooms() []model.RoomSummary {
	return svc.sw.Rooms()
}

func (svc *Service) ICEConfig() model.ICEConfig {
	servers := make([]webrtc.ICEServer, len(svc.iceServers))
	copy(servers, svc.iceServers)
	return model.ICEConfig{ICEServers: servers}
}
