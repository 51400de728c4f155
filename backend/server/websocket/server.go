package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-signaling/backend/codec"
	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/adwski/webrtc-signaling/backend/server/origin"
	sw "github.com/adwski/webrtc-signaling/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
)

// Close codes sent to rejected connections.
const (
	CloseInvalidRoomID   = 4001
	CloseInvalidClientID = 4002
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		Join(ctx context.Context, roomID, clientID string, ep sw.Endpoint) error
		Handle(ctx context.Context, roomID, clientID string, frame map[string]any) error
		Leave(ctx context.Context, roomID, clientID string, ep sw.Endpoint)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		AllowedOrigins   []string
		Session          SessionConfig
	}

	Server struct {
		svc     SignalingService
		ws      *websocket.Upgrader
		sessCfg SessionConfig
		*http.Server

		// sessions outlive handler calls, they are bound to server lifetime instead
		ctx      context.Context
		cancel   context.CancelFunc
		sessMx   *sync.Mutex
		sessions *sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	policy := origin.NewPolicy(cfg.AllowedOrigins)
	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.SignalingService,
		sessCfg: cfg.Session.withDefaults(),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			Subprotocols:     codec.Subprotocols(),
			CheckOrigin: func(r *http.Request) bool {
				return policy.Allowed(r.Header.Get("Origin"))
			},
		},
		ctx:      ctx,
		cancel:   cancel,
		sessMx:   &sync.Mutex{},
		sessions: &sync.WaitGroup{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{roomID}/{clientID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.closeSessions()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// closeSessions terminates every session and waits for their cleanup.
// Hijacked connections are not tracked by http.Server.Shutdown.
func (srv *Server) closeSessions() {
	srv.sessMx.Lock()
	srv.cancel()
	srv.sessMx.Unlock()
	srv.sessions.Wait()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	clientID := r.PathValue("clientID")

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	switch {
	case !model.ValidID(roomID):
		srv.logger.Warn().Str("roomID", roomID).Msg("connection rejected")
		webSocketCloser(conn, CloseInvalidRoomID, "Invalid room ID", &srv.logger)
		return
	case !model.ValidID(clientID):
		srv.logger.Warn().Str("clientID", clientID).Msg("connection rejected")
		webSocketCloser(conn, CloseInvalidClientID, "Invalid client ID", &srv.logger)
		return
	}

	sess := newSession(srv.ctx, sessionParams{
		roomID:   roomID,
		clientID: clientID,
		conn:     conn,
		codec:    codec.ByName(conn.Subprotocol()),
		svc:      srv.svc,
		cfg:      srv.sessCfg,
		logger:   &srv.logger,
	})

	srv.sessMx.Lock()
	if srv.ctx.Err() != nil {
		srv.sessMx.Unlock()
		webSocketCloser(conn, websocket.CloseGoingAway, "Server is shutting down", &srv.logger)
		return
	}
	srv.sessions.Add(1)
	srv.sessMx.Unlock()

	go func() {
		defer srv.sessions.Done()
		sess.run()
	}()
}

func webSocketCloser(conn *websocket.Conn, code int, text string, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send websocket close message")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
