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
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tombee/cascade/internal/service"
	"github.com/tombee/cascade/internal/service/backend"
	"github.com/tombee/cascade/internal/workflowstore"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

// runsHandler serves trigger and run management requests.
type runsHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

// triggerRequest is the body for POST /v1/workflows/{id}/trigger.
type triggerRequest struct {
	TriggerType string         `json:"triggerType"`
	Event       map[string]any `json:"event,omitempty"`
	DeviceID    string         `json:"deviceId,omitempty"`
}

// actionRequest is the body for POST /v1/runs/{id}/actions.
type actionRequest struct {
	ActionType string         `json:"actionType"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (h *runsHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorCode(w, errors.CodeValidation, "invalid request body: "+err.Error())
			return
		}
	}

	created, err := h.svc.Trigger(r.Context(), service.TriggerRequest{
		WorkflowID:  r.PathValue("id"),
		TriggerType: req.TriggerType,
		Event:       req.Event,
		DeviceID:    req.DeviceID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     created.ID,
		"status": created.Status,
	})
}

func (h *runsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := backend.Filter{
		WorkflowID: q.Get("workflow_id"),
		Status:     run.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErrorCode(w, errors.CodeValidation, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := h.svc.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (h *runsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	got, err := h.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *runsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *runsHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, errors.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	resumed, err := h.svc.SubmitAction(r.Context(), r.PathValue("id"), req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     resumed.ID,
		"status": resumed.Status,
	})
}

// workflowsHandler serves the read-only workflow catalogue.
type workflowsHandler struct {
	store *workflowstore.Store
}

func (h *workflowsHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.store.List()})
}

func (h *workflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.Workflow(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
