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

// Package workflowstore loads workflow definitions from a directory of
// YAML files and serves them to the execution service. One file holds
// one workflow with its versions; the watcher reloads files as they
// change, so published edits take effect without a restart.
package workflowstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// definition is the on-disk shape of one workflow file.
type definition struct {
	ID              string                  `yaml:"id"`
	OrgID           string                  `yaml:"org_id"`
	Name            string                  `yaml:"name"`
	Enabled         *bool                   `yaml:"enabled"`
	PublicSlug      string                  `yaml:"public_slug"`
	PublicRateLimit int                     `yaml:"public_rate_limit"`
	Versions        []block.WorkflowVersion `yaml:"versions"`
}

// entry pairs a workflow with its loaded versions, newest first.
type entry struct {
	workflow block.Workflow
	versions []block.WorkflowVersion
	source   string
}

// Store is the in-memory definition table. Reads are concurrent;
// reloads swap entries per source file.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	bySlug  map[string]string
	logger  *slog.Logger
	watcher *Watcher
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:   make(map[string]*entry),
		bySlug: make(map[string]string),
		logger: logger.With(slog.String("component", "workflowstore")),
	}
}

// LoadDir loads every .yaml/.yml file under dir. Files that fail to
// parse or validate are logged and skipped so one bad definition does
// not take the daemon down.
func (s *Store) LoadDir(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !isDefinitionFile(f.Name()) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		if err := s.LoadFile(path); err != nil {
			s.logger.Error("skipping workflow definition", "path", path, "error", err)
		}
	}
	return nil
}

// LoadFile loads or replaces the workflow defined in one file.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition %s: %w", path, err)
	}
	e, err := buildEntry(&def, path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[e.workflow.ID]; ok && prev.workflow.PublicSlug != "" {
		delete(s.bySlug, prev.workflow.PublicSlug)
	}
	s.byID[e.workflow.ID] = e
	if e.workflow.PublicSlug != "" {
		s.bySlug[e.workflow.PublicSlug] = e.workflow.ID
	}
	s.logger.Info("workflow loaded",
		"workflow_id", e.workflow.ID,
		"versions", len(e.versions),
		"path", path)
	return nil
}

// RemoveSource drops every workflow loaded from the given file.
func (s *Store) RemoveSource(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.byID {
		if e.source != path {
			continue
		}
		if e.workflow.PublicSlug != "" {
			delete(s.bySlug, e.workflow.PublicSlug)
		}
		delete(s.byID, id)
		s.logger.Info("workflow removed", "workflow_id", id, "path", path)
	}
}

// Workflow returns the workflow by ID.
func (s *Store) Workflow(id string) (*block.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	wf := e.workflow
	return &wf, nil
}

// WorkflowBySlug returns the workflow exposed under a public slug.
func (s *Store) WorkflowBySlug(slug string) (*block.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySlug[slug]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: slug}
	}
	wf := s.byID[id].workflow
	return &wf, nil
}

// PublishedVersion returns the newest published version of a workflow.
func (s *Store) PublishedVersion(workflowID string) (*block.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[workflowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	for i := range e.versions {
		if e.versions[i].Status == block.StatusPublished {
			v := e.versions[i]
			return &v, nil
		}
	}
	return nil, &errors.ServiceError{
		ErrCode: errors.CodeNoPublishedVersion,
		Message: fmt.Sprintf("workflow %s has no published version", workflowID),
	}
}

// Version returns a specific version of a workflow.
func (s *Store) Version(workflowID, versionID string) (*block.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[workflowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	for i := range e.versions {
		if e.versions[i].ID == versionID {
			v := e.versions[i]
			return &v, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID + "/" + versionID}
}

// List returns all loaded workflows sorted by ID.
func (s *Store) List() []block.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]block.Workflow, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.workflow)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// buildEntry validates a parsed definition and fills derived fields.
func buildEntry(def *definition, source string) (*entry, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("definition %s: workflow id is required", source)
	}
	enabled := true
	if def.Enabled != nil {
		enabled = *def.Enabled
	}
	e := &entry{
		workflow: block.Workflow{
			ID:              def.ID,
			OrgID:           def.OrgID,
			Name:            def.Name,
			Enabled:         enabled,
			PublicSlug:      def.PublicSlug,
			PublicRateLimit: def.PublicRateLimit,
		},
		versions: make([]block.WorkflowVersion, len(def.Versions)),
		source:   source,
	}
	copy(e.versions, def.Versions)
	for i := range e.versions {
		v := &e.versions[i]
		v.WorkflowID = def.ID
		if v.ID == "" {
			v.ID = fmt.Sprintf("%s@v%d", def.ID, v.Version)
		}
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("definition %s version %d: %w", source, v.Version, err)
		}
		v.SortBlocks()
	}
	// Newest version first so PublishedVersion picks the latest publish.
	sort.SliceStable(e.versions, func(i, j int) bool {
		return e.versions[i].Version > e.versions[j].Version
	})
	return e, nil
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
