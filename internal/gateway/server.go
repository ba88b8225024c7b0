// Package gateway is the HTTP front door of the agent. It proxies
// inbound traffic to supervised services, records per-service activity,
// and exposes the authenticated local API under /agent.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kittengrid/agent/internal/config"
	"github.com/kittengrid/agent/internal/registry"
	"github.com/kittengrid/agent/internal/supervisor"
)

// Supervisor is the slice of the supervisor API the gateway needs.
type Supervisor interface {
	Start(name string) error
	Stop(name string, grace time.Duration) error
	Subscribe(name string, stream supervisor.Stream) (<-chan []byte, func(), error)
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	cfg    *config.Config
	reg    *registry.Registry
	sup    Supervisor
}

func NewServer(logger zerolog.Logger, cfg *config.Config, reg *registry.Registry, sup Supervisor) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "gateway").Logger(),
		cfg:    cfg,
		reg:    reg,
		sup:    sup,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Route("/agent", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Handle("/metrics", promhttp.Handler())

		r.Group(func(r chi.Router) {
			r.Use(auth(s.cfg.APIKey))

			r.Get("/services", s.handleListServices)
			r.Post("/services/{name}/start", s.handleStartService)
			r.Post("/services/{name}/stop", s.handleStopService)
			r.Get("/services/{name}/stdout", s.handleLogs(supervisor.StreamStdout))
			r.Get("/services/{name}/stderr", s.handleLogs(supervisor.StreamStderr))
			r.Get("/services/{name}/combined_output", s.handleCombinedLogs)
			r.Get("/terminal", s.handleTerminal)
		})
	})

	// Everything else is service traffic.
	s.router.HandleFunc("/{service}/*", s.handleProxy)
	s.router.HandleFunc("/{service}", s.handleProxy)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": len(s.reg.All()),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.reg.Snapshot()})
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sup.Start(name); err != nil {
		s.serviceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"service": name, "action": "start"})
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sup.Stop(name, s.cfg.StopGracePeriod); err != nil {
		s.serviceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"service": name, "action": "stop"})
}

func (s *Server) serviceError(w http.ResponseWriter, name string, err error) {
	if s.reg.Lookup(name) == nil {
		writeError(w, http.StatusNotFound, "unknown service: "+name)
		return
	}
	s.logger.Error().Err(err).Str("service", name).Msg("service request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
