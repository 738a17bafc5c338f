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

package api

import (
	"log/slog"
	"net/http"

	"github.com/tombee/cascade/internal/service"
	"github.com/tombee/cascade/internal/workflowstore"
)

// RouterConfig wires the handlers' dependencies.
type RouterConfig struct {
	Service *service.Service
	Store   *workflowstore.Store
	Logger  *slog.Logger

	// Metrics, when set, is served on GET /metrics (normally promhttp).
	Metrics http.Handler

	// Protect wraps the control-plane routes (auth middleware). Public
	// slug routes and /healthz are never wrapped.
	Protect func(http.Handler) http.Handler
}

// Router wraps an http.ServeMux with the cascade API surface.
type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewRouter builds the full route table. Control-plane routes live
// under /v1, the anonymous public surface under /w/{slug}.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runs := &runsHandler{svc: cfg.Service, logger: logger}
	workflows := &workflowsHandler{store: cfg.Store}
	stream := &streamHandler{svc: cfg.Service, logger: logger}
	public := &publicHandler{svc: cfg.Service, logger: logger}

	control := http.NewServeMux()
	control.HandleFunc("GET /v1/workflows", workflows.handleList)
	control.HandleFunc("GET /v1/workflows/{id}", workflows.handleGet)
	control.HandleFunc("POST /v1/workflows/{id}/trigger", runs.handleTrigger)
	control.HandleFunc("GET /v1/runs", runs.handleList)
	control.HandleFunc("GET /v1/runs/{id}", runs.handleGet)
	control.HandleFunc("POST /v1/runs/{id}/cancel", runs.handleCancel)
	control.HandleFunc("POST /v1/runs/{id}/actions", runs.handleAction)
	control.HandleFunc("GET /v1/runs/{id}/live", stream.handleLive)

	var controlHandler http.Handler = control
	if cfg.Protect != nil {
		controlHandler = cfg.Protect(control)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", controlHandler)
	mux.HandleFunc("POST /w/{slug}/run", public.handleRun)
	mux.HandleFunc("POST /w/{slug}/runs/{runId}/actions", public.handleAction)
	mux.HandleFunc("GET /w/{slug}/runs/{runId}/live", public.handleLive(stream))
	mux.HandleFunc("GET /healthz", handleHealthz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	return &Router{mux: mux, logger: logger}
}

// Handler returns the http.Handler for the API.
func (r *Router) Handler() http.Handler {
	return r.mux
}

// handleHealthz is the load balancer probe. It exposes no internals
// and requires no authentication.
func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
