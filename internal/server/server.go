package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kumo-ai/seiri/internal/auth"
	"github.com/kumo-ai/seiri/internal/pipeline"
	"github.com/kumo-ai/seiri/internal/ratelimit"
	"github.com/kumo-ai/seiri/internal/storage"
	"github.com/kumo-ai/seiri/internal/tracker"
)

// Server is the Seiri HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter is optional; nil disables rate limiting.
type ServerConfig struct {
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Orchestrator *pipeline.Orchestrator
	Tracker      *tracker.Tracker
	Limiter      *ratelimit.Limiter
	Logger       *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Orchestrator:        cfg.Orchestrator,
		Tracker:             cfg.Tracker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	invokeRL := ratelimit.Middleware(cfg.Limiter, callerKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.Handle("POST /auth/token", http.HandlerFunc(h.HandleAuthToken))

	// Step and pipeline execution (authenticated, rate limited per caller).
	mux.Handle("POST /v1/steps/{step}", invokeRL(http.HandlerFunc(h.HandleStep)))
	mux.Handle("POST /v1/pipeline", invokeRL(http.HandlerFunc(h.HandleRunPipeline)))

	// Run inspection (authenticated, not rate limited).
	mux.Handle("GET /v1/runs/{run_id}", http.HandlerFunc(h.HandleGetRun))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// callerKeyFunc extracts the caller ID from the request context for rate
// limiting. Empty string skips the limit check.
func callerKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	return claims.CallerID
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
