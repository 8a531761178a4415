// Package agent serves the fleet's read-only status API.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/core"
	"github.com/3cpo-dev/missionfleet/internal/telemetry"
)

type Server struct {
	Version string
	// Workers snapshots the fleet; it returns nothing until the roster is loaded.
	Workers func() []core.WorkerStatus
	// Collector supplies counter totals; nil omits them.
	Collector *telemetry.Collector
	// AllowedOrigins for browser dashboards; empty allows any origin.
	AllowedOrigins []string

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ws := s.snapshot()
		resp := HealthResponse{Status: "ok", Time: time.Now(), Version: s.Version, Workers: len(ws)}
		for _, st := range ws {
			if st.Busy {
				resp.Busy++
			}
		}
		if len(ws) == 0 {
			resp.Status = "starting"
		}
		if s.Collector != nil {
			resp.Totals = s.Collector.Totals()
		}
		writeJSON(w, resp)
		telemetry.TimerGlobal("mfleet_status_request_duration", time.Since(start), map[string]string{"endpoint": "health"})
	})
	mux.HandleFunc("GET /v0/workers", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writeJSON(w, WorkersResponse{Workers: s.snapshot()})
		telemetry.TimerGlobal("mfleet_status_request_duration", time.Since(start), map[string]string{"endpoint": "workers"})
	})
}

func (s *Server) snapshot() []core.WorkerStatus {
	if s.Workers == nil {
		return []core.WorkerStatus{}
	}
	ws := s.Workers()
	if ws == nil {
		return []core.WorkerStatus{}
	}
	return ws
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Status response write failed")
	}
}

// Handler returns the routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	opts := cors.Options{
		AllowedOrigins: s.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.New(opts).Handler(mux)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if !s.setServer(srv) {
		return http.ErrServerClosed
	}
	log.Info().Str("addr", addr).Msg("Status server listening")
	return srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

// setServer records srv unless Shutdown already ran.
func (s *Server) setServer(srv *http.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.srv = srv
	return true
}
