// Package api provides the HTTP status API of the hms-mqtt-publish daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/config"
	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/scheduler"
	"github.com/resident-x/hms-mqtt-publish/internal/session"
)

// SchedulerStats exposes the counters of the poll loop.
type SchedulerStats interface {
	GetStats() scheduler.Stats
}

// SessionLister exposes per-device transport statistics.
type SessionLister interface {
	GetAllSessions() []session.Stats
}

// Option configures optional data sources of the server.
type Option func(*Server)

// WithScheduler adds poll loop counters to the status endpoint.
func WithScheduler(stats SchedulerStats) Option {
	return func(s *Server) { s.scheduler = stats }
}

// WithSessions enables the sessions endpoint.
func WithSessions(sessions SessionLister) Option {
	return func(s *Server) { s.sessions = sessions }
}

// WithMetrics serves gatherer on /metrics.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = gatherer }
}

// WithVersion sets the version reported by the status endpoint.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// Server represents the HTTP API server that provides monitoring functionality.
type Server struct {
	config    *config.Config
	server    *http.Server
	listener  net.Listener
	router    *mux.Router
	registry  domain.Registry
	scheduler SchedulerStats
	sessions  SessionLister
	gatherer  prometheus.Gatherer
	version   string
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, registry domain.Registry, opts ...Option) *Server {
	apiServer := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		registry:  registry,
		version:   "dev",
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(apiServer)
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/inverters", s.handleListInverters).Methods(http.MethodGet)
	api.HandleFunc("/inverters/{host}", s.handleGetInverter).Methods(http.MethodGet)

	if s.sessions != nil {
		api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	}

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler returns the router serving all endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.config.API.Host, strconv.Itoa(s.config.API.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("address", listener.Addr().String()).
			Msg("Starting HTTP API server")

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	inverters := s.registry.GetAllInverters()

	online := 0
	for _, inv := range inverters {
		if inv.State == domain.DeviceStateOnline {
			online++
		}
	}

	status := map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
		"inverterCount":  len(inverters),
		"onlineCount":    online,
		"updateInterval": s.config.Interval().String(),
	}
	if s.scheduler != nil {
		status["scheduler"] = s.scheduler.GetStats()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListInverters returns all polled inverters.
func (s *Server) handleListInverters(w http.ResponseWriter, _ *http.Request) {
	inverters := s.registry.GetAllInverters()

	s.writeJSON(w, map[string]interface{}{
		"inverters": inverters,
		"count":     len(inverters),
	}, http.StatusOK)
}

// handleGetInverter returns information about a specific inverter.
func (s *Server) handleGetInverter(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	inverter, found := s.registry.GetInverter(host)
	if !found {
		s.writeError(w, "Inverter not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, inverter, http.StatusOK)
}

// handleListSessions returns transport statistics per device.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.GetAllSessions()

	s.writeJSON(w, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
