// Package server provides the operational HTTP server: health probes,
// build info and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/config"
	"github.com/limiquantix/clustermaint/internal/metrics"
	"github.com/limiquantix/clustermaint/internal/scheduler"
)

// HealthChecker is a backing service probed by /ready.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// LeaderStatus reports leader election state.
type LeaderStatus interface {
	IsLeader() bool
}

// TriggerLister lists registered triggers.
type TriggerLister interface {
	Entries() []scheduler.Info
}

// Server represents the operational HTTP server.
type Server struct {
	config     config.ServerConfig
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler

	checks   map[string]HealthChecker
	leader   LeaderStatus
	triggers TriggerLister
	version  string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL adds the database to readiness checks.
func WithPostgreSQL(db HealthChecker) ServerOption {
	return withCheck("postgres", db)
}

// WithRedis adds Redis to readiness checks.
func WithRedis(cache HealthChecker) ServerOption {
	return withCheck("redis", cache)
}

// WithEtcd adds etcd to readiness checks.
func WithEtcd(client HealthChecker) ServerOption {
	return withCheck("etcd", client)
}

func withCheck(name string, c HealthChecker) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.checks[name] = c
		}
	}
}

// WithLeader reports leader election state on /info.
func WithLeader(l LeaderStatus) ServerOption {
	return func(s *Server) {
		s.leader = l
	}
}

// WithScheduler lists triggers on /info.
func WithScheduler(t TriggerLister) ServerOption {
	return func(s *Server) {
		s.triggers = t
	}
}

// WithVersion sets the version reported on /info.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance.
func New(cfg config.ServerConfig, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config:  cfg,
		logger:  logger.With(zap.String("component", "server")),
		mux:     http.NewServeMux(),
		checks:  make(map[string]HealthChecker),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	s.handler = s.setupMiddleware(s.mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)
	s.mux.HandleFunc("/info", s.infoHandler)
	s.mux.Handle("/metrics", metrics.Handler())
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Probes and scrapes are too frequent to log.
		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live", "/metrics":
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "clustermaint"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	components := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.Health(ctx); err != nil {
			ready = false
			components[name] = "unhealthy"
			s.logger.Warn("Readiness check failed", zap.String("component_name", name), zap.Error(err))
			continue
		}
		components[name] = "healthy"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{"ready": ready, "components": components})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

type triggerInfo struct {
	Name    string     `json:"name"`
	OneShot bool       `json:"one_shot"`
	Next    *time.Time `json:"next,omitempty"`
	Prev    *time.Time `json:"prev,omitempty"`
}

func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	infra := make([]string, 0, len(s.checks))
	for name := range s.checks {
		infra = append(infra, name)
	}
	sort.Strings(infra)

	body := map[string]interface{}{
		"name":           "clustermaint",
		"version":        s.version,
		"description":    "Cluster maintenance controller",
		"infrastructure": infra,
	}
	if s.leader != nil {
		body["leader"] = s.leader.IsLeader()
	}
	if s.triggers != nil {
		var triggers []triggerInfo
		for _, e := range s.triggers.Entries() {
			t := triggerInfo{Name: e.Name, OneShot: e.OneShot}
			if !e.Next.IsZero() {
				next := e.Next
				t.Next = &next
			}
			if !e.Prev.IsZero() {
				prev := e.Prev
				t.Prev = &prev
			}
			triggers = append(triggers, t)
		}
		body["triggers"] = triggers
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server", zap.String("address", s.config.Address()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	s.logger.Info("Server stopped gracefully")
	return nil
}

