// Package server exposes the presence protocol over HTTP. Reads are public;
// every mutating route sits behind the bearer gate.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/auth"
	"github.com/yabosen/presence/internal/avatar"
	"github.com/yabosen/presence/internal/config"
	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/metrics"
	"github.com/yabosen/presence/internal/presence"
)

// Server hosts the HTTP handlers. It holds no presence state; the injected
// services own everything.
type Server struct {
	cfg      *config.Config
	presence *presence.Service
	avatars  *avatar.Service
	gate     *auth.Gate
	metrics  *metrics.Metrics
	logger   *zap.Logger
	limiter  *clientLimiter

	once    sync.Once
	handler http.Handler
}

// New creates a configured server. avatars and m may be nil: without avatars
// GET /avatar always redirects to the default image, and without m nothing
// is recorded.
func New(cfg *config.Config, svc *presence.Service, avatars *avatar.Service, gate *auth.Gate, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		presence: svc,
		avatars:  avatars,
		gate:     gate,
		metrics:  m,
		logger:   logger,
		limiter:  newClientLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// Handler returns the routed handler, building it on first use.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		s.handler = s.routes()
	})
	return s.handler
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Address))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.rateLimit)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, r, http.StatusNotFound, errorBody{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, r, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/status", s.handleGetStatus)
	r.Get("/avatar", s.handleGetAvatar)

	r.Group(func(r chi.Router) {
		r.Use(s.gate.Middleware(s.handleUnauthorized))
		r.Post("/status", s.handlePostStatus)
		r.Post("/heartbeat", s.handlePostHeartbeat)
		r.Get("/heartbeat", s.handleGetHeartbeats)
		r.Post("/avatar", s.handlePostAvatar)

		level := logging.LevelHandler()
		r.Method(http.MethodGet, "/log/level", level)
		r.Method(http.MethodPut, "/log/level", level)
	})
	return r
}
