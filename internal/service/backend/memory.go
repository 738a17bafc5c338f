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

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

// Memory is the in-process backend. Records are copied on the way in
// and out so callers never share memory with the store.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*run.Run
	hits map[string][]time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		runs: make(map[string]*run.Run),
		hits: make(map[string][]time.Time),
	}
}

func (m *Memory) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: r.ID}
	}
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(r), nil
}

func (m *Memory) ListRuns(_ context.Context, f Filter) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) RecordPublicHit(_ context.Context, slug, ipHash string, at time.Time) error {
	key := slug + "\x00" + ipHash
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[key] = append(m.hits[key], at)
	return nil
}

func (m *Memory) CountPublicHits(_ context.Context, slug, ipHash string, since time.Time) (int, error) {
	key := slug + "\x00" + ipHash
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.hits[key][:0]
	n := 0
	for _, at := range m.hits[key] {
		if at.Before(since) {
			continue
		}
		kept = append(kept, at)
		n++
	}
	m.hits[key] = kept
	return n, nil
}

func (m *Memory) Close() error { return nil }

// copyRun deep-copies through JSON; run records are JSON-shaped by
// construction.
func copyRun(r *run.Run) *run.Run {
	data, _ := json.Marshal(r)
	var out run.Run
	_ = json.Unmarshal(data, &out)
	return &out
}
