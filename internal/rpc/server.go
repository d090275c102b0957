// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc exposes the HTTP API and the WebSocket event stream.
package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/internal/manager"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
	"github.com/playbookd/playbookd/pkg/playbook"
)

// Server serves the execution API.
type Server struct {
	manager     *manager.Manager
	broadcaster *broadcast.Broadcaster
	loader      *playbook.Loader
	logger      *slog.Logger
}

// Config assembles a Server.
type Config struct {
	Manager     *manager.Manager
	Broadcaster *broadcast.Broadcaster
	Loader      *playbook.Loader
	Logger      *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:     cfg.Manager,
		broadcaster: cfg.Broadcaster,
		loader:      cfg.Loader,
		logger:      logger.With("component", "rpc"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/playbooks", s.handleListPlaybooks)

	mux.HandleFunc("POST /api/v1/executions", s.handleStart)
	mux.HandleFunc("GET /api/v1/executions", s.handleList)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/executions/{id}/signal", s.handleSignal)
	mux.HandleFunc("DELETE /api/v1/executions/{id}", s.handleDelete)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_executions": s.manager.ActiveCount(),
	})
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	paths, err := s.loader.List(r.URL.Query().Get("pattern"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": paths})
}

// StartExecutionRequest is the request body for starting an execution.
type StartExecutionRequest struct {
	PlaybookPath string                 `json:"playbook_path"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	DebugMode    bool                   `json:"debug_mode,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.PlaybookPath == "" {
		writeError(w, http.StatusBadRequest, "playbook_path is required")
		return
	}

	id, err := s.manager.Start(r.Context(), req.PlaybookPath, manager.StartOptions{
		Parameters: req.Parameters,
		DebugMode:  req.DebugMode,
	})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	snaps, err := s.manager.List(r.Context(), limit)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	views := make([]*broadcast.ExecutionUpdate, len(snaps))
	for i, snap := range snaps {
		views[i] = snap.Update()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": views,
		"count":      len(views),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Update())
}

// SignalRequest is the request body for the signal endpoint.
type SignalRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	id := r.PathValue("id")
	if err := s.manager.Signal(r.Context(), id, manager.Signal(req.Signal)); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": id,
		"signal":       req.Signal,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAPIError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch pberrors.KindOf(err) {
	case pberrors.KindNotFound:
		status = http.StatusNotFound
	case pberrors.KindValidation, pberrors.KindReference,
		pberrors.KindVerification, pberrors.KindNestingDepth,
		pberrors.KindCircularDependency:
		status = http.StatusBadRequest
	case pberrors.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
