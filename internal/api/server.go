// Copyright 2025 James Ross

// Package api exposes the consumer-facing control surface (spec.md §6):
// start_loading, pause, resume, stop, add_custom_job, progress, metrics,
// health, analytics and a read-only config snapshot, routed over
// gorilla/mux the way internal/admin-api routes the teacher's queue
// control endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/monitor"
	"github.com/flyingrobots/census-ingest/internal/orchestrator"
)

// Server is the HTTP control surface. It wraps an Orchestrator and a
// Monitor and never owns their lifecycle: Start/Shutdown here only manage
// the listener, not the coordinator loop underneath it.
type Server struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	mon  *monitor.Monitor
	log  *zap.Logger

	httpServer *http.Server
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, mon *monitor.Monitor, log *zap.Logger) *Server {
	return &Server{cfg: cfg, orch: orch, mon: mon, log: log}
}

// Start begins serving and blocks until the listener stops. Call in a
// goroutine; stop it with Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.API.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}
	s.log.Info("api: listening", zap.String("addr", s.cfg.API.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	h := &handler{cfg: s.cfg, orch: s.orch, mon: s.mon, log: s.log}
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/start", h.start).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/pause", h.pause).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/resume", h.resume).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/stop", h.stop).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs", h.addCustomJob).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/progress", h.progress).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics", h.metrics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/analytics", h.analytics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/config", h.configSnapshot).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// stopGrace bounds how long a stop request blocks before the HTTP response
// is sent; Orchestrator.Stop itself already respects GraceWindow, this is
// just a backstop so a slow shutdown can't hang the request indefinitely.
const stopGrace = 2 * time.Minute
