// Package health serves the ops surface: liveness/readiness and metrics.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type checkEntry struct {
	name  string
	check Check
}

// Server is the ops HTTP server: /healthz and, when enabled, /metrics.
type Server struct {
	addr          string
	checks        []checkEntry
	enableMetrics bool
	log           zerolog.Logger
	srv           *http.Server
}

func NewServer(addr string, enableMetrics bool, log zerolog.Logger) *Server {
	return &Server{addr: addr, enableMetrics: enableMetrics, log: log}
}

// AddCheck registers a named dependency probe. Not safe after Start.
func (s *Server) AddCheck(name string, check Check) {
	s.checks = append(s.checks, checkEntry{name: name, check: check})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	code := http.StatusOK
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	if s.enableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info().Str("addr", s.addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
