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

package run

import "time"

// Lifecycle event types published on run channels.
const (
	EventStarted        = "run:started"
	EventStep           = "run:step"
	EventCompleted      = "run:completed"
	EventFailed         = "run:failed"
	EventCancelled      = "run:cancelled"
	EventAwaitingAction = "run:awaiting_action"
)

// Event is the envelope published to run subscribers (SSE clients and
// internal listeners). Payload shape depends on Type: run:step carries
// a Step, terminal events carry the final state or error, and
// run:awaiting_action carries the UI prompt.
type Event struct {
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Step       *Step          `json:"step,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	Prompt     map[string]any `json:"prompt,omitempty"`
	Error      *StepError     `json:"error,omitempty"`
}
