package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/inkclock/internal/buildinfo"
	"github.com/nugget/inkclock/internal/connwatch"
	"github.com/nugget/inkclock/internal/display"
)

// writeJSON encodes v as JSON to w, logging failures at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Health reports the state of watched dependencies. *connwatch.Manager
// satisfies it.
type Health interface {
	Status() []connwatch.Status
	Healthy() bool
}

// Server is the status HTTP endpoint.
type Server struct {
	address string
	port    int
	metrics *Metrics
	health  Health
	frame   func() display.Frame
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a status server. health and frame may be nil.
func NewServer(address string, port int, metrics *Metrics, health Health, frame func() display.Frame, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		metrics: metrics,
		health:  health,
		frame:   frame,
		logger:  logger,
	}
}

// Handler returns the routes of the status endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/display", s.handleDisplay)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		resp["dependencies"] = s.health.Status()
		if !s.health.Healthy() {
			resp["status"] = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleDisplay(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.frame == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "no display attached"}, s.logger)
		return
	}

	f := s.frame()
	resp := map[string]any{
		"text":        f.Text,
		"indicator":   f.Indicator,
		"placeholder": f.Placeholder,
	}
	if !f.At.IsZero() {
		resp["at"] = f.At.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp, s.logger)
}
