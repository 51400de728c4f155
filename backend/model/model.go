package model

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Message types accepted from clients.
const (
	MessageTypeOffer     = "offer"
	MessageTypeAnswer    = "answer"
	MessageTypeCandidate = "candidate"
	MessageTypePing      = "ping"
)

// Message types produced by server.
const (
	MessageTypePong             = "pong"
	MessageTypeCandidateReplay  = "candidate-replay"
	MessageTypeUserDisconnected = "user_disconnected"
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// ValidID reports whether s can be used as a room or client identifier.
func ValidID(s string) bool {
	return validID.MatchString(s)
}

// Payload is an opaque structured object relayed as is.
// Only a missing payload is left out of the wire, an empty object is kept.
type Payload map[string]any

func (p Payload) IsZero() bool {
	return p == nil
}

// EncodeMsgpack writes numbers that arrived as JSON literals as msgpack numbers.
func (p Payload) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(plainNumbers(map[string]any(p)))
}

func plainNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plainNumbers(item)
		}
		return out
	case Payload:
		return plainNumbers(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plainNumbers(item)
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

// Candidate is an opaque network-path candidate. Server never looks inside.
type Candidate = Payload

// Message is an outgoing signaling message.
// Payloads are relayed verbatim, only the envelope is produced by server.
type Message struct {
	Type      string         `json:"type" msgpack:"type"`
	Offer     Payload `json:"offer,omitzero" msgpack:"offer,omitempty"`
	Answer    Payload `json:"answer,omitzero" msgpack:"answer,omitempty"`
	Candidate Payload `json:"candidate,omitzero" msgpack:"candidate,omitempty"`
	Sender    string  `json:"sender,omitempty" msgpack:"sender,omitempty"`
	UserID    string  `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
}

type RoomSummary struct {
	ID         string    `json:"room_id"`
	Members    int       `json:"members"`
	Candidates int       `json:"candidates"`
	CreatedAt  time.Time `json:"created_at"`
}

type Status struct {
	Status    string    `json:"status"`
	Rooms     int       `json:"rooms"`
	Clients   int       `json:"clients"`
	Timestamp time.Time `json:"timestamp"`
}

// ICEConfig is handed to clients so they can reach rendezvous servers on their own.
type ICEConfig struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}
