package websocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/webrtc-signaling/backend/codec"
	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/rs/zerolog"
)

func TestSessionConfigDefaults(t *testing.T) {
	cfg := SessionConfig{}.withDefaults()
	if cfg.HeartbeatInterval != defaultHeartbeatInterval ||
		cfg.PingInterval != defaultPingInterval ||
		cfg.PongWait != defaultPongWait ||
		cfg.SendQueueSize != defaultSendQueueSize ||
		cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.MessageRate != 0 {
		t.Errorf("rate limiting must stay disabled, got %v", cfg.MessageRate)
	}

	cfg = SessionConfig{HeartbeatInterval: -1, PingInterval: time.Second, PongWait: time.Second}.withDefaults()
	if cfg.HeartbeatInterval != -1 {
		t.Errorf("negative heartbeat must be kept, got %s", cfg.HeartbeatInterval)
	}
	if cfg.PongWait <= cfg.PingInterval {
		t.Errorf("pong wait %s must exceed ping interval %s", cfg.PongWait, cfg.PingInterval)
	}
}

func newIdleSession(t *testing.T, cfg SessionConfig) *session {
	t.Helper()
	logger := zerolog.Nop()
	s := newSession(context.Background(), sessionParams{
		roomID:   "room1",
		clientID: "A",
		codec:    codec.JSON{},
		cfg:      cfg.withDefaults(),
		logger:   &logger,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSessionSendTimeoutClosesSession(t *testing.T) {
	s := newIdleSession(t, SessionConfig{SendQueueSize: 1, SendTimeout: 20 * time.Millisecond})
	msg := model.Message{Type: model.MessageTypePong}

	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("first send must be queued: %v", err)
	}
	if err := s.Send(context.Background(), msg); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}
	if err := s.Send(context.Background(), msg); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionSendCanceledByCaller(t *testing.T) {
	s := newIdleSession(t, SessionConfig{SendQueueSize: 1, SendTimeout: time.Minute})
	msg := model.Message{Type: model.MessageTypePong}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, msg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if s.ctx.Err() != nil {
		t.Error("caller cancellation must not close session")
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateConnecting: "connecting",
		StateActive:     "active",
		StateClosed:     "closed",
		State(42):       "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", st, got, want)
		}
	}
}

func TestClosedSessionRefusesSend(t *testing.T) {
	s := newIdleSession(t, SessionConfig{})
	s.setState(StateClosed)

	if err := s.Send(context.Background(), model.Message{Type: model.MessageTypePong}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if len(s.tx) != 0 {
		t.Errorf("closed session must not queue messages")
	}
}

func TestSendWithCanceledCallerUsesFreeQueue(t *testing.T) {
	s := newIdleSession(t, SessionConfig{SendQueueSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Send(ctx, model.Message{Type: model.MessageTypePong}); err != nil {
		t.Errorf("free queue must accept message, got %v", err)
	}
}
