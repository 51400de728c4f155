package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-signaling/backend/model"
	"github.com/adwski/webrtc-signaling/backend/server/origin"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second

	healthOK = "ok"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type StatusService interface {
	Status() model.Status
	Rooms() []model.RoomSummary
	ICEConfig() model.ICEConfig
}

type HealthResponse struct {
	Status string `json:"status"`
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    StatusService
	policy *origin.Policy
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	StatusService  StatusService
	ListenAddr     string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.StatusService,
		policy: origin.NewPolicy(cfg.AllowedOrigins),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /webrtc/config", srv.iceConfig)
	r.HandleFunc("GET /webrtc/status", srv.status)
	r.HandleFunc("GET /webrtc/rooms", srv.rooms)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("OPTIONS /", srv.preflight)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.cors(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

// cors sets allow headers for accepted origins. Foreign origins get
// no CORS headers at all, browsers then refuse to expose the response.
func (srv *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqOrigin := r.Header.Get("Origin")
		if reqOrigin != "" && srv.policy.Allowed(reqOrigin) {
			if srv.policy.Wildcard() {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", reqOrigin)
				w.Header().Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) preflight(w http.ResponseWriter, r *http.Request) {
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin != "" && !srv.policy.Allowed(reqOrigin) {
		srv.logger.Debug().Str("origin", reqOrigin).Msg("preflight from foreign origin")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodGet, http.MethodOptions}, ", "))
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) iceConfig(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.svc.ICEConfig())
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.svc.Status())
}

func (srv *Server) rooms(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.svc.Rooms()
	if rooms == nil {
		rooms = []model.RoomSummary{}
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: rooms})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &HealthResponse{Status: healthOK})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		b, err = json.Marshal(&GenericResponse{Error: ErrUnexpected.Error()})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		code = http.StatusInternalServerError
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
