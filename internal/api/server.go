package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/agent-runner/internal/auth"
	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/history"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

// DefaultMaxBodySize caps POST /execute bodies when Config.MaxBodySize is unset.
const DefaultMaxBodySize int64 = 1 << 20

// Submitter admits requests into the execution queue.
type Submitter interface {
	Submit(req *protocol.Request) error
	Status() queue.Status
}

// HistoryReader looks up finished executions.
type HistoryReader interface {
	Get(ctx context.Context, id string) (*history.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens      []auth.TokenConfig
	MaxBodySize int64
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	authn     *auth.Authenticator
	queue     Submitter
	history   HistoryReader
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history, hub and metricsHandler may be nil;
// the routes they back then respond 404.
func New(config Config, q Submitter, hist HistoryReader, hub *events.Hub, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		authn:     auth.NewAuthenticator(config.APIKey, config.Tokens),
		queue:     q,
		history:   hist,
		events:    hub,
		metrics:   metricsHandler,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeExecute)).Post("/execute", s.handleExecute)
		r.With(s.requireScopes(auth.ScopeExecutionsRead)).Get("/executions/{executionID}", s.handleGetExecution)
		r.With(s.requireScopes(auth.ScopeExecutionsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		var principal string
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), principalNameKey{}, &principal)))
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"principal", principal,
		)
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
