package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-signaling/backend/codec"
	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultSendQueueSize     = 64
	defaultMaxMessageSize    = 64 * 1024

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultWebSocketWriteDeadline = 5 * time.Second
	defaultFwdTimeout             = time.Second
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrSendTimeout   = errors.New("send timed out")
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig controls per-connection behavior.
// Zero values are replaced with defaults. Negative HeartbeatInterval
// disables heartbeats, zero MessageRate disables inbound rate limiting.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	SendTimeout       time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	MessageRate       float64
	MessageBurst      int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval + (defaultPongWait - defaultPingInterval)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWebSocketWriteDeadline
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultFwdTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MessageRate > 0 && c.MessageBurst <= 0 {
		c.MessageBurst = 1
	}
	return c
}

type sessionParams struct {
	roomID   string
	clientID string
	conn     *websocket.Conn
	codec    codec.Codec
	svc      SignalingService
	cfg      SessionConfig
	logger   *zerolog.Logger
}

// session is one admitted signaling connection.
// Sender goroutine owns all data writes, receiver goroutine owns all reads.
type session struct {
	roomID   string
	clientID string

	conn    *websocket.Conn
	codec   codec.Codec
	svc     SignalingService
	cfg     SessionConfig
	limiter *rate.Limiter

	tx     chan model.Message
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	logger zerolog.Logger
}

func newSession(parent context.Context, p sessionParams) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		roomID:   p.roomID,
		clientID: p.clientID,
		conn:     p.conn,
		codec:    p.codec,
		svc:      p.svc,
		cfg:      p.cfg,
		tx:       make(chan model.Message, p.cfg.SendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger: p.logger.With().
			Str("roomID", p.roomID).
			Str("clientID", p.clientID).
			Str("sessionID", uuid.NewString()).
			Str("codec", p.codec.Name()).
			Logger(),
	}
	if p.cfg.MessageRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(p.cfg.MessageRate), p.cfg.MessageBurst)
	}
	return s
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Trace().Stringer("state", st).Msg("session state changed")
}

// Send queues message for delivery. It fails if the session is closed
// or the queue does not drain within send timeout; a stuck session is closed.
func (s *session) Send(ctx context.Context, msg model.Message) error {
	if s.State() == StateClosed || s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	// queue with free room accepts the message even if caller is already canceled
	select {
	case s.tx <- msg:
		return nil
	default:
	}

	tm := time.NewTimer(s.cfg.SendTimeout)
	defer tm.Stop()

	select {
	case s.tx <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-tm.C:
		s.logger.Error().Str("type", msg.Type).Msg("send queue is stuck, closing session")
		s.cancel()
		return ErrSendTimeout
	}
}

// Close terminates the session, cleanup happens in run.
func (s *session) Close() {
	s.cancel()
}

func (s *session) run() {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sender()
		s.cancel()
	}()

	if err := s.svc.Join(s.ctx, s.roomID, s.clientID, s); err != nil {
		s.logger.Error().Err(err).Msg("failed to join room")
		s.cancel()
		wg.Wait()
		s.setState(StateClosed)
		return
	}
	s.setState(StateActive)
	s.logger.Debug().Msg("signaling session started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.receiver()
		s.cancel()
	}()

	wg.Wait()
	// nothing can be queued from now on
	s.setState(StateClosed)
	s.leave()
	s.logger.Debug().Msg("signaling session ended")
}

// leave runs once per session. Each send in the departure broadcast is
// bounded by SendTimeout and recipients are served concurrently.
func (s *session) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout+defaultSignalingSessionCloseTimeout)
	defer cancel()
	s.svc.Leave(ctx, s.roomID, s.clientID, s)
}

func (s *session) sender() {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		hbTicker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer hbTicker.Stop()
		heartbeat = hbTicker.C
	}
	defer func() {
		pingTicker.Stop()
		// unblocks receiver
		webSocketCloser(s.conn, websocket.CloseNormalClosure, "", &s.logger)
	}()

SendLoop:
	for {
		select {
		case <-s.ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(s.cfg.WriteTimeout))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			s.logger.Trace().Msg("ping sent")
		case <-heartbeat:
			if wsErr := s.write(model.Message{Type: model.MessageTypePing}); wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to send heartbeat")
				break SendLoop
			}
		case msg := <-s.tx:
			if wsErr := s.write(msg); wsErr != nil {
				s.logger.Error().Err(wsErr).Str("type", msg.Type).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (s *session) write(msg model.Message) error {
	b, err := s.codec.Marshal(&msg)
	if err != nil {
		return err
	}
	if err = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(s.codec.FrameType(), b)
}

func (s *session) receiver() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("receive loop crashed")
		}
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	readDeadLineFunc := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
	s.conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadLineFunc()
	})
	if err := readDeadLineFunc(); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, data, wsErr := s.conn.ReadMessage()
		if wsErr != nil {
			switch {
			case s.ctx.Err() != nil:
				s.logger.Debug().Msg("session closed locally")
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				s.logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if err := readDeadLineFunc(); err != nil {
			s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn().Msg("message rate exceeded, message dropped")
			continue
		}

		var frame map[string]any
		if err := s.codec.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("failed to unmarshal incoming message")
			continue
		}
		if err := s.svc.Handle(s.ctx, s.roomID, s.clientID, frame); err != nil {
			s.logger.Warn().Err(err).Msg("message discarded")
		}
	}
}
