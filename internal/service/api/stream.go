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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tombee/cascade/internal/service"
	"github.com/tombee/cascade/internal/service/broadcast"
	"github.com/tombee/cascade/pkg/run"
)

// streamHandler serves GET /v1/runs/{id}/live as Server-Sent Events.
// Status changes arrive as "status" events, step completions as
// "step" events, and a final "done" event ends the stream.
type streamHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func (h *streamHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, r.PathValue("id"), false)
}

// serve streams the run's channel. Public streams subscribe to the
// public channel, which carries the same envelopes under a separate
// namespace so anonymous viewers never attach to private runs.
func (h *streamHandler) serve(w http.ResponseWriter, r *http.Request, runID string, public bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot read so no event falls between them.
	channel := broadcast.ChannelPrivate(runID)
	if public {
		channel = broadcast.ChannelPublic(runID)
	}
	sub := h.svc.Broker().Subscribe(channel)
	defer sub.Close()

	current, err := h.svc.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "status", map[string]any{"id": current.ID, "status": current.Status})
	if current.Status.Terminal() {
		writeSSE(w, "done", map[string]any{"status": current.Status})
		flusher.Flush()
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				writeSSE(w, "done", map[string]any{"status": current.Status})
				flusher.Flush()
				return
			}
			h.writeEvent(w, ev)
			flusher.Flush()
			if terminalEvent(ev.Type) {
				writeSSE(w, "done", map[string]any{"status": statusForEvent(ev.Type)})
				flusher.Flush()
				return
			}
		}
	}
}

func (h *streamHandler) writeEvent(w http.ResponseWriter, ev *run.Event) {
	switch ev.Type {
	case run.EventStep:
		writeSSE(w, "step", ev.Step)
	default:
		body := map[string]any{"id": ev.RunID, "status": statusForEvent(ev.Type)}
		if ev.Prompt != nil {
			body["prompt"] = ev.Prompt
		}
		if ev.Error != nil {
			body["error"] = ev.Error
		}
		if ev.State != nil {
			body["finalState"] = ev.State
		}
		writeSSE(w, "status", body)
	}
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case run.EventCompleted, run.EventFailed, run.EventCancelled:
		return true
	}
	return false
}

func statusForEvent(eventType string) run.Status {
	switch eventType {
	case run.EventStarted:
		return run.StatusRunning
	case run.EventCompleted:
		return run.StatusCompleted
	case run.EventFailed:
		return run.StatusFailed
	case run.EventCancelled:
		return run.StatusCancelled
	case run.EventAwaitingAction:
		return run.StatusAwaitingAction
	}
	return run.StatusRunning
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to encode SSE payload", slog.Any("error", err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
