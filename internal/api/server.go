// Package api serves the cache dashboards, queue intake, pause control and
// maintenance triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/explorercache/internal/analytics"
	"github.com/txplain/explorercache/internal/cache"
	"github.com/txplain/explorercache/internal/contractcache"
	"github.com/txplain/explorercache/internal/scheduler"
	"github.com/txplain/explorercache/internal/usage"
	"github.com/txplain/explorercache/internal/warming"
)

// Deps are the components the server exposes. Routes of a nil component
// answer 503.
type Deps struct {
	Cache       *cache.Store
	Contracts   *contractcache.Store
	Queue       *warming.Queue
	Usage       *usage.Tracker
	Analytics   *analytics.Analytics
	Maintenance *scheduler.Maintenance
}

// Server represents the API server
type Server struct {
	router  *mux.Router
	deps    Deps
	memo    *memo
	address string
	server  *http.Server
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Server
type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMemoTTL sets how long dashboard responses are reused; zero disables the memo
func WithMemoTTL(ttl time.Duration) Option {
	return func(s *Server) { s.memo.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new API server
func NewServer(address string, deps Deps, opts ...Option) (*Server, error) {
	m, err := newMemo(defaultMemoTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response memo: %w", err)
	}
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		memo:    m,
		address: address,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer("explorercache/api"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.tracingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/networks", s.handleGetNetworks).Methods(http.MethodGet)

	v1.HandleFunc("/stats/cache", s.memoized(s.handleCacheStats)).Methods(http.MethodGet)
	v1.HandleFunc("/stats/contracts", s.memoized(s.handleContractStats)).Methods(http.MethodGet)
	v1.HandleFunc("/stats/queue", s.memoized(s.handleQueueStats)).Methods(http.MethodGet)

	v1.HandleFunc("/usage", s.memoized(s.handleUsage)).Methods(http.MethodGet)
	v1.HandleFunc("/usage/errors", s.memoized(s.handleTopErrors)).Methods(http.MethodGet)
	v1.HandleFunc("/rate-limit/{network}/{explorer}", s.handleRateLimit).Methods(http.MethodGet)

	v1.HandleFunc("/analytics/summary", s.memoized(s.handleAnalyticsSummary)).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/hourly", s.memoized(s.handleAnalyticsHourly)).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/range", s.memoized(s.handleAnalyticsRange)).Methods(http.MethodGet)

	v1.HandleFunc("/contracts/{network}/{address}/{type}", s.handleContract).Methods(http.MethodGet)

	v1.HandleFunc("/queue", s.handleQueue).Methods(http.MethodPost)
	v1.HandleFunc("/queue/pause", s.handlePause).Methods(http.MethodPost)
	v1.HandleFunc("/queue/resume", s.handleResume).Methods(http.MethodPost)

	v1.HandleFunc("/maintenance/{task}", s.handleMaintenance).Methods(http.MethodPost)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to encode response", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// writeErrorResponse logs err and answers with message only, so internal
// details stay out of the response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		ev := s.logger.Warn()
		if statusCode >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Err(err).Int("status", statusCode).Msg(message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     message,
		"timestamp": s.now().UTC(),
	})
}

// recoveryMiddleware catches panics and returns proper JSON error responses
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error().Str("method", r.Method).Str("path", r.URL.Path).Interface("panic", err).Msg("handler panicked")
				if w.Header().Get("Content-Type") == "" {
					s.writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				name = tpl
			}
		}
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("http.route", name)))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("address", s.address).Msg("starting explorer cache API server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down explorer cache API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.memo.close()
	return nil
}
