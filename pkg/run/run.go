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

// Package run defines the run and step records shared by the engine,
// the execution service, and the persistence backends.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusAwaitingAction Status = "awaiting_action"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the outcome of a single block execution.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepError carries the classified failure of a step.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Step is the sealed record of one block execution. Once the step
// finishes it is never mutated again.
type Step struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	BlockID   string     `json:"block_id"`
	BlockName string     `json:"block_name,omitempty"`
	BlockType string     `json:"block_type"`
	Status    StepStatus `json:"status"`
	// ExecutionOrder is the step's position in the run: 0..k with no
	// repeats, still increasing across a pause and resume.
	ExecutionOrder int            `json:"execution_order"`
	Attempt        int            `json:"attempt"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	Output         map[string]any `json:"output,omitempty"`
	Error          *StepError     `json:"error,omitempty"`
}

// Run is the persistent record of a workflow execution.
type Run struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	VersionID   string         `json:"version_id"`
	Version     int            `json:"version"`
	OrgID       string         `json:"org_id,omitempty"`
	Status      Status         `json:"status"`
	TriggerType string         `json:"trigger_type"`
	Public      bool           `json:"public,omitempty"`
	Event       map[string]any `json:"event,omitempty"`
	FinalState  map[string]any `json:"final_state,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`
	Paused      *PausedState   `json:"paused,omitempty"`
	PublicMeta  *PublicMeta    `json:"public_meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}

// PublicMeta records how a public-surface run was triggered. The IP is
// stored only as a truncated hash.
type PublicMeta struct {
	Slug      string `json:"slug"`
	IPHash    string `json:"ip_hash"`
	UserAgent string `json:"user_agent,omitempty"`
	Anonymous bool   `json:"is_anonymous"`
}

// PausedState is the snapshot persisted when a run suspends on a UI
// block, sufficient to resume at the following block.
type PausedState struct {
	BlockID    string          `json:"block_id"`
	BlockIndex int             `json:"block_index"`
	BlockType  string          `json:"block_type"`
	Prompt     map[string]any  `json:"prompt,omitempty"`
	Context    json.RawMessage `json:"context"`
	PausedAt   time.Time       `json:"paused_at"`
}
