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

// Package backend persists run records and the public-surface rate
// window. Two implementations ship: an in-memory store for tests and
// single-process setups, and SQLite for durability.
package backend

import (
	"context"
	"time"

	"github.com/tombee/cascade/pkg/run"
)

// Filter narrows ListRuns.
type Filter struct {
	WorkflowID string
	Status     run.Status
	// Limit caps the result count; zero means no cap. Results are
	// newest first.
	Limit int
}

// Backend is the persistence surface the execution service needs.
// Updates to the same run are serialized by the service, so
// implementations only need whole-row atomicity.
type Backend interface {
	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, r *run.Run) error

	// UpdateRun replaces the stored record for r.ID.
	UpdateRun(ctx context.Context, r *run.Run) error

	// GetRun returns the run or a NotFoundError.
	GetRun(ctx context.Context, id string) (*run.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f Filter) ([]*run.Run, error)

	// RecordPublicHit appends one entry to the public rate window.
	RecordPublicHit(ctx context.Context, slug, ipHash string, at time.Time) error

	// CountPublicHits counts window entries in [since, now) for the
	// (slug, ipHash) pair.
	CountPublicHits(ctx context.Context, slug, ipHash string, since time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
