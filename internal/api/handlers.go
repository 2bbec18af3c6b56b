// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/census-ingest/internal/catalog"
	"github.com/flyingrobots/census-ingest/internal/config"
	"github.com/flyingrobots/census-ingest/internal/monitor"
	"github.com/flyingrobots/census-ingest/internal/orchestrator"
	"github.com/flyingrobots/census-ingest/internal/queue"
)

type handler struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	mon  *monitor.Monitor
	log  *zap.Logger
}

type startRequest struct {
	Phases []string `json:"phases"`
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
			return
		}
	}
	if err := h.orch.Start(req.Phases...); err != nil {
		writeError(w, http.StatusBadRequest, "start_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	h.orch.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	h.orch.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// stop blocks on Orchestrator.Stop, which itself waits out the configured
// grace window; stopGrace is a backstop so a wedged pool can't hang the
// HTTP response forever.
func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	done := make(chan struct{})
	go func() {
		h.orch.Stop()
		close(done)
	}()

	select {
	case <-done:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case <-time.After(stopGrace):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	}
}

type geographyDTO struct {
	Level      string   `json:"level"`
	Codes      []string `json:"codes,omitempty"`
	ParentKind string   `json:"parent_kind,omitempty"`
	ParentCode string   `json:"parent_code,omitempty"`
}

type addCustomJobRequest struct {
	Geography geographyDTO `json:"geography"`
	Variables []string     `json:"variables"`
	Priority  int          `json:"priority"`
}

func (h *handler) addCustomJob(w http.ResponseWriter, r *http.Request) {
	var req addCustomJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	geo := queue.Geography{
		Level:      catalog.GeographyLevel(req.Geography.Level),
		Codes:      req.Geography.Codes,
		ParentKind: req.Geography.ParentKind,
		ParentCode: req.Geography.ParentCode,
	}
	id, err := h.orch.AddCustomJob(geo, req.Variables, req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "add_custom_job_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Progress())
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Metrics())
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.Health())
}

// analytics returns ring-buffer health snapshots over a trailing window,
// defaulting to the configured API.AnalyticsWindow when ?window_hours is
// absent or unparseable.
func (h *handler) analytics(w http.ResponseWriter, r *http.Request) {
	window := h.cfg.API.AnalyticsWindow
	if q := r.URL.Query().Get("window_hours"); q != "" {
		if parsed, err := time.ParseDuration(q + "h"); err == nil {
			window = parsed.Hours()
		}
	}
	writeJSON(w, http.StatusOK, h.mon.Analytics(window))
}

// configSnapshot returns the effective configuration, omitting the
// statistical-service API key the way a credentials-bearing field should
// never round-trip through a control endpoint.
func (h *handler) configSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := *h.cfg
	snap.HTTPClient.APIKey = ""
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
