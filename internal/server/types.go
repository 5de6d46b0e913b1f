// Package server exposes run health, Prometheus metrics and a live
// websocket event stream of a reconstruction run.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	config   Config
	registry *prometheus.Registry
	metrics  *httpMetrics
	hub      *Hub
	limiter  *RateLimiter
	router   chi.Router

	mu     sync.RWMutex
	status StatusResponse
}

// Config holds server configuration.
type Config struct {
	Host       string
	Port       int
	CORSOrigin string
	// EventsPerSecond throttles broadcast of progress events; terminal
	// events are always delivered.
	EventsPerSecond float64
	EventBurst      int
	// ConnectionsPerMinute limits new /events connections per client; 0 disables.
	ConnectionsPerMinute int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Host:                 "localhost",
		Port:                 9090,
		CORSOrigin:           "*",
		EventsPerSecond:      20,
		EventBurst:           10,
		ConnectionsPerMinute: 60,
	}
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// StatusResponse is the latest known run progress, returned by /status.
type StatusResponse struct {
	RunID        string  `json:"run_id,omitempty"`
	State        string  `json:"state"`
	Round        int     `json:"round"`
	Registered   int     `json:"registered"`
	Total        int     `json:"total"`
	ValidPoints  int     `json:"valid_points"`
	MeanResidual float64 `json:"mean_residual"`
	Updated      string  `json:"updated,omitempty"`
}

// NewServer creates a server. Run collectors registered on registry are
// served on /metrics next to the server's own HTTP metrics; a nil registry
// creates a private one.
func NewServer(config Config, registry *prometheus.Registry) *Server {
	d := DefaultConfig()
	if config.EventsPerSecond <= 0 {
		config.EventsPerSecond = d.EventsPerSecond
	}
	if config.EventBurst <= 0 {
		config.EventBurst = d.EventBurst
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := newHTTPMetrics(registry)
	s := &Server{
		config:   config,
		registry: registry,
		metrics:  m,
		hub:      NewHub(config.EventsPerSecond, config.EventBurst, m),
		status:   StatusResponse{State: reconstruct.StateEmpty.String()},
	}
	if config.ConnectionsPerMinute > 0 {
		s.limiter = NewRateLimiter(config.ConnectionsPerMinute)
	}
	s.router = s.routes()
	return s
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// OnEvent records the run status and broadcasts the event. It makes the
// server usable as a reconstruct.Observer.
func (s *Server) OnEvent(e reconstruct.Event) {
	s.mu.Lock()
	s.status = StatusResponse{
		RunID:        e.RunID,
		State:        e.State.String(),
		Round:        e.Round,
		Registered:   e.Registered,
		Total:        e.Total,
		ValidPoints:  e.ValidPoints,
		MeanResidual: e.MeanResidual,
		Updated:      time.Now().UTC().Format(time.RFC3339),
	}
	s.mu.Unlock()
	s.hub.OnEvent(e)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.healthHandler)
	r.Get("/status", s.statusHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	r.With(s.rateLimitMiddleware).Get("/events", s.eventsHandler)
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", addr, "version", version.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// Close disconnects all event clients.
func (s *Server) Close() error {
	s.hub.Close()
	return nil
}
