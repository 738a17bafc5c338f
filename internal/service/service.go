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

// Package service is the outer orchestrator: it validates triggers,
// persists run records, spawns background run tasks, fans events out to
// subscribers, and owns cancellation, pause/resume, and the public
// surface's rate limiting. It never touches run state directly; all
// state changes happen inside the interpreter.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tombee/cascade/internal/engine/condition"
	"github.com/tombee/cascade/internal/engine/executor"
	"github.com/tombee/cascade/internal/engine/interpreter"
	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/internal/secrets"
	"github.com/tombee/cascade/internal/service/backend"
	"github.com/tombee/cascade/internal/service/broadcast"
	"github.com/tombee/cascade/internal/tracing"
	"github.com/tombee/cascade/internal/workflowstore"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

// Config tunes the service.
type Config struct {
	// MaxSteps is the per-run step budget.
	MaxSteps int

	// BlockTimeout bounds each block attempt on private runs.
	BlockTimeout time.Duration

	// RunTimeout bounds a private run.
	RunTimeout time.Duration

	// PublicRunTimeout bounds a public run.
	PublicRunTimeout time.Duration

	// PublicRateLimit is the default per-(slug, ip) cap per minute.
	PublicRateLimit int

	// VersionCacheTTL bounds how stale a cached published version may
	// be.
	VersionCacheTTL time.Duration

	// MaxConcurrentRuns caps simultaneously executing run tasks.
	MaxConcurrentRuns int
}

func (c *Config) withDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = interpreter.DefaultMaxSteps
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = executor.DefaultBlockTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	if c.PublicRunTimeout <= 0 {
		c.PublicRunTimeout = 30 * time.Second
	}
	if c.PublicRateLimit <= 0 {
		c.PublicRateLimit = 10
	}
	if c.VersionCacheTTL <= 0 {
		c.VersionCacheTTL = 30 * time.Second
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 64
	}
}

// TriggerRequest is a private-surface trigger.
type TriggerRequest struct {
	WorkflowID  string
	TriggerType string
	Event       map[string]any
	DeviceID    string
}

// PublicTriggerRequest is an unauthenticated trigger through a slug.
type PublicTriggerRequest struct {
	Slug      string
	Event     map[string]any
	ClientIP  string
	UserAgent string
}

// Service orchestrates run execution.
type Service struct {
	store    *workflowstore.Store
	backend  backend.Backend
	broker   *broadcast.Broker
	reg      *registry.Registry
	resolver *secrets.Resolver
	cond     *condition.Evaluator
	logger   *slog.Logger
	cfg      Config

	versions *gocache.Cache

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	resuming map[string]bool
	draining bool

	wg  sync.WaitGroup
	sem chan struct{}
}

// New creates the service. The registry decides which blocks this
// node can execute.
func New(store *workflowstore.Store, b backend.Backend, reg *registry.Registry, resolver *secrets.Resolver, logger *slog.Logger, cfg Config) *Service {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		backend:  b,
		broker:   broadcast.NewBroker(),
		reg:      reg,
		resolver: resolver,
		cond:     condition.New(),
		logger:   logger.With(slog.String("component", "service")),
		cfg:      cfg,
		versions: gocache.New(cfg.VersionCacheTTL, 2*cfg.VersionCacheTTL),
		cancels:  make(map[string]context.CancelFunc),
		resuming: make(map[string]bool),
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
	}
}

// Broker exposes the event fan-out for the API layer.
func (s *Service) Broker() *broadcast.Broker { return s.broker }

// Trigger validates and starts a private run. It returns the pending
// run record immediately; execution happens in the background.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	wf, err := s.store.Workflow(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		return nil, &errors.ServiceError{
			ErrCode: errors.CodeWorkflowDisabled,
			Message: fmt.Sprintf("workflow %s is disabled", wf.ID),
		}
	}
	version, err := s.publishedVersion(wf.ID)
	if err != nil {
		return nil, err
	}

	r := s.newRun(wf, version, req.TriggerType, req.Event, false)
	if err := s.backend.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	runsStarted.WithLabelValues("private").Inc()
	s.spawn(r, version, s.cfg.RunTimeout)
	return r, nil
}

// TriggerPublic validates and starts a rate-limited public run.
func (s *Service) TriggerPublic(ctx context.Context, req PublicTriggerRequest) (*run.Run, *RateLimitResult, error) {
	wf, err := s.store.WorkflowBySlug(req.Slug)
	if err != nil {
		return nil, nil, err
	}
	if !wf.Enabled {
		return nil, nil, &errors.ServiceError{
			ErrCode: errors.CodeWorkflowDisabled,
			Message: fmt.Sprintf("workflow %s is disabled", wf.ID),
		}
	}

	limit := s.cfg.PublicRateLimit
	if wf.PublicRateLimit > 0 {
		limit = wf.PublicRateLimit
	}
	rl, err := checkRateLimit(ctx, s.backend, req.Slug, req.ClientIP, limit)
	if err != nil {
		return nil, nil, err
	}
	if !rl.Allowed {
		publicRateLimited.Inc()
		return nil, rl, &errors.ServiceError{
			ErrCode:    errors.CodeRateLimited,
			Message:    fmt.Sprintf("public trigger rate limit exceeded for %s", req.Slug),
			RetryAfter: rl.RetryAfter,
		}
	}

	version, err := s.publishedVersion(wf.ID)
	if err != nil {
		return nil, rl, err
	}
	if restricted := version.RestrictedTypes(); len(restricted) > 0 {
		return nil, rl, &errors.ServiceError{
			ErrCode: errors.CodeRestrictedBlockType,
			Message: fmt.Sprintf("workflow uses block types not allowed on the public surface: %v", restricted),
		}
	}

	r := s.newRun(wf, version, string(block.TriggerAPI), req.Event, true)
	r.PublicMeta = &run.PublicMeta{
		Slug:      req.Slug,
		IPHash:    HashIP(req.ClientIP),
		UserAgent: truncate(req.UserAgent, 200),
		Anonymous: true,
	}
	if err := s.backend.CreateRun(ctx, r); err != nil {
		return nil, rl, err
	}
	runsStarted.WithLabelValues("public").Inc()
	s.spawn(r, version, s.cfg.PublicRunTimeout)
	return r, rl, nil
}

// Cancel requests cooperative cancellation. Cancelling a pending or
// terminal run is a no-op that reports the current status.
func (s *Service) Cancel(ctx context.Context, runID string) (run.Status, error) {
	s.mu.Lock()
	cancel, active := s.cancels[runID]
	s.mu.Unlock()
	if active {
		cancel()
		return run.StatusCancelled, nil
	}
	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// SubmitAction resumes an awaiting_action run with the user's payload
// merged into its state.
func (s *Service) SubmitAction(ctx context.Context, runID string, actionData map[string]any) (*run.Run, error) {
	// Claim the run before looking at its status. Two concurrent
	// submissions would otherwise both observe awaiting_action and both
	// spawn a resume task for the same run.
	s.mu.Lock()
	if s.resuming[runID] {
		s.mu.Unlock()
		return nil, &errors.ServiceError{
			ErrCode: errors.CodeActionFailed,
			Message: fmt.Sprintf("run %s is already resuming", runID),
		}
	}
	s.resuming[runID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.resuming, runID)
		s.mu.Unlock()
	}()

	r, err := s.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != run.StatusAwaitingAction || r.Paused == nil {
		return nil, &errors.ServiceError{
			ErrCode: errors.CodeActionFailed,
			Message: fmt.Sprintf("run %s is %s, not awaiting action", runID, r.Status),
		}
	}

	version, err := s.version(r)
	if err != nil {
		return nil, err
	}

	var snap wfcontext.Snapshot
	if err := json.Unmarshal(r.Paused.Context, &snap); err != nil {
		return nil, fmt.Errorf("decode pause snapshot for run %s: %w", runID, err)
	}

	// The pausing block's step was left running; the action completes it.
	now := time.Now()
	for idx := range r.Steps {
		if r.Steps[idx].Status == run.StepRunning {
			r.Steps[idx].Status = run.StepCompleted
			r.Steps[idx].FinishedAt = &now
			r.Steps[idx].DurationMs = now.Sub(r.Steps[idx].StartedAt).Milliseconds()
		}
	}

	resumeAt := r.Paused.BlockIndex
	r.Status = run.StatusRunning
	r.Paused = nil
	if err := s.backend.UpdateRun(ctx, r); err != nil {
		return nil, err
	}

	timeout := s.cfg.RunTimeout
	if r.Public {
		timeout = s.cfg.PublicRunTimeout
	}
	s.spawnResume(r, version, &snap, actionData, timeout, resumeAt)
	return r, nil
}

// GetRun returns a run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return s.backend.GetRun(ctx, runID)
}

// ListRuns returns run records, newest first.
func (s *Service) ListRuns(ctx context.Context, f backend.Filter) ([]*run.Run, error) {
	return s.backend.ListRuns(ctx, f)
}

// Drain stops accepting triggers and waits for active runs until ctx
// expires, then cancels whatever is left.
func (s *Service) Drain(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	active := len(s.cancels)
	s.mu.Unlock()
	s.logger.Info("draining", slog.Int("active_runs", active))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	<-done
}

// newRun builds the pending run record.
func (s *Service) newRun(wf *block.Workflow, version *block.WorkflowVersion, triggerType string, event map[string]any, public bool) *run.Run {
	return &run.Run{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		VersionID:   version.ID,
		Version:     version.Version,
		OrgID:       wf.OrgID,
		Status:      run.StatusPending,
		TriggerType: triggerType,
		Public:      public,
		Event:       event,
		CreatedAt:   time.Now().UTC(),
	}
}

// spawn launches the background run task from the first block.
func (s *Service) spawn(r *run.Run, version *block.WorkflowVersion, timeout time.Duration) {
	s.spawnWith(r, version, timeout, func(ctx context.Context, interp *interpreter.Interpreter, wctx *wfcontext.Context) (*interpreter.Outcome, error) {
		return interp.Execute(ctx, version, wctx)
	}, nil)
}

// spawnResume launches the task that continues after a pause.
func (s *Service) spawnResume(r *run.Run, version *block.WorkflowVersion, snap *wfcontext.Snapshot, actionData map[string]any, timeout time.Duration, pausedIndex int) {
	s.spawnWith(r, version, timeout, func(ctx context.Context, interp *interpreter.Interpreter, wctx *wfcontext.Context) (*interpreter.Outcome, error) {
		wctx.ApplyDelta(actionData)
		return interp.Resume(ctx, version, wctx, pausedIndex)
	}, snap)
}

type runFn func(ctx context.Context, interp *interpreter.Interpreter, wctx *wfcontext.Context) (*interpreter.Outcome, error)

func (s *Service) spawnWith(r *run.Run, version *block.WorkflowVersion, timeout time.Duration, fn runFn, snap *wfcontext.Snapshot) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		cancel()
		s.sealRefused(r)
		return
	}
	s.cancels[r.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, r.ID)
			s.mu.Unlock()
			cancel()
		}()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
		s.runTask(runCtx, r, version, fn, snap)
	}()
}

// runTask drives one run from running to its next stopping point.
func (s *Service) runTask(ctx context.Context, r *run.Run, version *block.WorkflowVersion, fn runFn, snap *wfcontext.Snapshot) {
	logger := s.logger.With(slog.String("run_id", r.ID), slog.String("workflow_id", r.WorkflowID))
	ctx, span := tracing.StartRun(ctx, r.ID, r.WorkflowID)

	priorSteps := r.Steps
	started := time.Now().UTC()
	if r.StartedAt == nil {
		r.StartedAt = &started
	}
	r.Status = run.StatusRunning
	if err := s.backend.UpdateRun(context.Background(), r); err != nil {
		logger.Error("failed to persist running status", "error", err)
	}
	s.publish(r, &run.Event{Type: run.EventStarted, RunID: r.ID, WorkflowID: r.WorkflowID, Timestamp: started})

	wctx, err := s.buildContext(ctx, r, version, snap)
	if err != nil {
		span.End(err)
		s.seal(r, &interpreter.Outcome{
			Status: run.StatusFailed,
			Error:  &run.StepError{Code: errors.Classify(err), Message: err.Error()},
		}, priorSteps, logger)
		return
	}

	timeout := s.cfg.BlockTimeout
	if r.Public {
		timeout = executor.PublicBlockTimeout
	}
	exec := executor.New(s.reg, logger,
		executor.WithTimeout(timeout),
		executor.WithSink(&stepBroadcaster{service: s, run: r}))
	interp := interpreter.New(exec, s.cond, logger, interpreter.WithMaxSteps(s.cfg.MaxSteps))

	outcome, runErr := fn(ctx, interp, wctx)
	span.End(runErr)
	s.seal(r, outcome, priorSteps, logger)
}

// buildContext materializes secrets and constructs (or rehydrates) the
// run context.
func (s *Service) buildContext(ctx context.Context, r *run.Run, version *block.WorkflowVersion, snap *wfcontext.Snapshot) (*wfcontext.Context, error) {
	// Anonymous runs never see the secret map: {{secrets.*}} resolves
	// empty on the public surface no matter what the version references.
	var secretValues map[string]string
	if s.resolver != nil && !r.Public {
		var err error
		secretValues, err = s.resolver.Materialize(ctx, secrets.ReferencedKeys(version))
		if err != nil {
			return nil, fmt.Errorf("materialize secrets: %w", err)
		}
	}
	meta := wfcontext.RunMeta{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		VersionID:   r.VersionID,
		Status:      string(run.StatusRunning),
		TriggerType: r.TriggerType,
		StartedAt:   time.Now().UTC(),
		Platform:    s.reg.Platform(),
	}
	if snap != nil {
		return wfcontext.Rehydrate(meta, snap, secretValues), nil
	}
	return wfcontext.New(meta, r.Event, nil, secretValues), nil
}

// seal persists the outcome and emits the closing event. Steps from a
// resumed run are appended to the ones recorded before the pause.
func (s *Service) seal(r *run.Run, outcome *interpreter.Outcome, priorSteps []run.Step, logger *slog.Logger) {
	now := time.Now().UTC()
	r.Status = outcome.Status
	r.Steps = append(priorSteps, outcome.Steps...)
	// Resumed outcomes restart their numbering at zero; keep
	// execution_order strictly increasing across the whole run.
	for idx := range r.Steps {
		r.Steps[idx].ExecutionOrder = idx
	}
	r.FinalState = outcome.FinalState
	r.Error = outcome.Error
	r.Paused = outcome.Paused
	if outcome.Status.Terminal() {
		r.FinishedAt = &now
		if r.StartedAt != nil {
			r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
		}
		runsFinished.WithLabelValues(string(r.Status)).Inc()
		if r.Error != nil && r.Error.Code == errors.CodeSSRFBlocked {
			ssrfBlocked.Inc()
		}
	}
	if err := s.backend.UpdateRun(context.Background(), r); err != nil {
		logger.Error("failed to persist run outcome", "error", err)
	}

	ev := &run.Event{RunID: r.ID, WorkflowID: r.WorkflowID, Timestamp: now, Error: outcome.Error}
	switch outcome.Status {
	case run.StatusCompleted:
		ev.Type = run.EventCompleted
		ev.State = outcome.FinalState
	case run.StatusFailed:
		ev.Type = run.EventFailed
	case run.StatusCancelled:
		ev.Type = run.EventCancelled
	case run.StatusAwaitingAction:
		ev.Type = run.EventAwaitingAction
		if outcome.Paused != nil {
			ev.Prompt = outcome.Paused.Prompt
		}
	}
	s.publish(r, ev)
	logger.Info("run sealed",
		slog.String("status", string(outcome.Status)),
		slog.Int("steps", len(r.Steps)),
		slog.Int64("duration_ms", r.DurationMs))

	if outcome.Status.Terminal() {
		s.broker.CloseChannel(s.channel(r))
	}
}

// sealRefused marks a run the drain refused to start.
func (s *Service) sealRefused(r *run.Run) {
	now := time.Now().UTC()
	r.Status = run.StatusCancelled
	r.Error = &run.StepError{Code: errors.CodeCancelled, Message: "daemon is shutting down"}
	r.FinishedAt = &now
	runsFinished.WithLabelValues(string(run.StatusCancelled)).Inc()
	if err := s.backend.UpdateRun(context.Background(), r); err != nil {
		s.logger.Error("failed to persist refused run", "run_id", r.ID, "error", err)
	}
}

func (s *Service) channel(r *run.Run) string {
	if r.Public {
		return broadcast.ChannelPublic(r.ID)
	}
	return broadcast.ChannelPrivate(r.ID)
}

func (s *Service) publish(r *run.Run, ev *run.Event) {
	s.broker.Publish(s.channel(r), ev)
}

// publishedVersion serves the published version through a short TTL
// cache so hot public workflows do not hit the store on every trigger.
func (s *Service) publishedVersion(workflowID string) (*block.WorkflowVersion, error) {
	if v, ok := s.versions.Get(workflowID); ok {
		return v.(*block.WorkflowVersion), nil
	}
	v, err := s.store.PublishedVersion(workflowID)
	if err != nil {
		return nil, err
	}
	s.versions.SetDefault(workflowID, v)
	return v, nil
}

// version resolves the exact version a run was created against,
// falling back to the published one when the pinned version is gone.
func (s *Service) version(r *run.Run) (*block.WorkflowVersion, error) {
	v, err := s.store.Version(r.WorkflowID, r.VersionID)
	if err == nil {
		return v, nil
	}
	return s.publishedVersion(r.WorkflowID)
}

// stepBroadcaster forwards sealed steps as run:step events.
type stepBroadcaster struct {
	service *Service
	run     *run.Run
}

func (b *stepBroadcaster) StepStarted(*run.Step) {}

func (b *stepBroadcaster) StepFinished(step *run.Step) {
	b.service.publish(b.run, &run.Event{
		Type:       run.EventStep,
		RunID:      b.run.ID,
		WorkflowID: b.run.WorkflowID,
		Timestamp:  time.Now().UTC(),
		Step:       step,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
