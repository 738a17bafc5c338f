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
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/cascade/internal/service"
	"github.com/tombee/cascade/pkg/errors"
)

// publicHandler serves the anonymous slug surface. Requests carry no
// credentials; the service enforces the block allowlist and the
// per-client sliding-window rate limit.
type publicHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

// publicRunRequest is the body for POST /w/{slug}/run.
type publicRunRequest struct {
	Event map[string]any `json:"event,omitempty"`
}

func (h *publicHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req publicRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorCode(w, errors.CodeValidation, "invalid request body: "+err.Error())
			return
		}
	}

	created, rl, err := h.svc.TriggerPublic(r.Context(), service.PublicTriggerRequest{
		Slug:      r.PathValue("slug"),
		Event:     req.Event,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Classify(err) == errors.CodeRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
		writeError(w, err)
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     created.ID,
		"status": created.Status,
	})
}

func (h *publicHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if !h.ownsRun(w, r, runID) {
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, errors.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	resumed, err := h.svc.SubmitAction(r.Context(), runID, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     resumed.ID,
		"status": resumed.Status,
	})
}

// handleLive adapts the SSE handler to the public channel namespace.
func (h *publicHandler) handleLive(stream *streamHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("runId")
		if !h.ownsRun(w, r, runID) {
			return
		}
		stream.serve(w, r, runID, true)
	}
}

// ownsRun rejects requests whose run was not started through the
// named slug. Private run IDs stay unreachable from the public
// surface even when guessed.
func (h *publicHandler) ownsRun(w http.ResponseWriter, r *http.Request, runID string) bool {
	got, err := h.svc.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if got.PublicMeta == nil || got.PublicMeta.Slug != r.PathValue("slug") {
		writeErrorCode(w, errors.CodeRunNotFound, "run not found")
		return false
	}
	return true
}

// clientIP prefers the proxy-forwarded address, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
