// Package executor runs a single block: handler resolution, per-block
// timeout, retry with exponential backoff, error classification, and
// the sealed step record. The interpreter drives it once per block.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/internal/tracing"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

// DefaultBlockTimeout bounds a single block execution attempt.
const DefaultBlockTimeout = 60 * time.Second

// PublicBlockTimeout is the tighter bound applied to public runs.
const PublicBlockTimeout = 10 * time.Second

// Sink receives step lifecycle notifications. StepStarted fires before
// the first attempt; StepFinished fires exactly once with the sealed
// record.
type Sink interface {
	StepStarted(step *run.Step)
	StepFinished(step *run.Step)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) StepStarted(*run.Step)  {}
func (NopSink) StepFinished(*run.Step) {}

// Executor executes blocks against a platform registry.
type Executor struct {
	reg     *registry.Registry
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides the per-block attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithSink sets the step event sink.
func WithSink(s Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// New creates an executor over the given registry.
func New(reg *registry.Registry, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		reg:     reg,
		sink:    NopSink{},
		logger:  logger,
		timeout: DefaultBlockTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one block to completion, retrying retryable failures up
// to the block's retry budget. It returns the handler result alongside
// the sealed step record; on failure the result is nil and the step
// carries the classified error. The error return is the final attempt's
// error, for the interpreter's on_error policy.
func (e *Executor) Execute(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, *run.Step, error) {
	ctx, span := tracing.StartBlock(ctx, blk.ID, string(blk.Type))
	var finalErr error
	defer func() { span.End(finalErr) }()

	step := &run.Step{
		ID:        uuid.NewString(),
		RunID:     wctx.Run.ID,
		BlockID:   blk.ID,
		BlockName: blk.Name,
		BlockType: string(blk.Type),
		Status:    run.StepRunning,
		Attempt:   1,
		StartedAt: time.Now(),
	}
	e.sink.StepStarted(step)

	handler, err := e.reg.Resolve(blk.Type)
	if err != nil {
		finalErr = err
		return nil, e.seal(step, nil, err), err
	}

	retry := block.ParseRetryOptions(blk.Logic)
	var result *wfcontext.Result

	for {
		result, err = e.attempt(ctx, handler, wctx, blk)
		if err == nil {
			return result, e.seal(step, result, nil), nil
		}
		if step.Attempt > retry.MaxAttempts || !errors.IsRetryable(err) || ctx.Err() != nil {
			finalErr = err
			return nil, e.seal(step, nil, err), err
		}

		delay := backoff(retry.InitialDelayMs, step.Attempt)
		e.logger.Warn("retrying block",
			slog.String("run_id", wctx.Run.ID),
			slog.String("block_id", blk.ID),
			slog.Int("attempt", step.Attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		stepRetries.WithLabelValues(string(blk.Type)).Inc()

		select {
		case <-ctx.Done():
			err = &errors.CancelledError{Operation: "block " + blk.ID, Cause: ctx.Err()}
			finalErr = err
			return nil, e.seal(step, nil, err), err
		case <-time.After(delay):
		}
		step.Attempt++
	}
}

// attempt runs the handler once under the per-block deadline.
func (e *Executor) attempt(ctx context.Context, handler registry.Handler, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := handler.Execute(attemptCtx, wctx, blk)
	if err != nil {
		// Distinguish the block hitting its own deadline from the run
		// being cancelled above us.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &errors.TimeoutError{
				Operation: "block " + blk.ID,
				Duration:  e.timeout,
				Cause:     err,
			}
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{Operation: "run", Run: true, Cause: ctx.Err()}
		}
		if ctx.Err() != nil {
			return nil, &errors.CancelledError{Operation: "block " + blk.ID, Cause: ctx.Err()}
		}
		return nil, err
	}
	if result == nil {
		result = &wfcontext.Result{}
	}
	return result, nil
}

// seal finalizes the step record and emits it. A step that pauses the
// run stays running until the action arrives; everything else is
// immutable after this point.
func (e *Executor) seal(step *run.Step, result *wfcontext.Result, err error) *run.Step {
	now := time.Now()

	if err == nil && result != nil && result.Signal == wfcontext.SignalPause {
		step.Status = run.StepRunning
		stepDuration.WithLabelValues(step.BlockType, "running").Observe(now.Sub(step.StartedAt).Seconds())
		e.sink.StepFinished(step)
		return step
	}

	step.FinishedAt = &now
	step.DurationMs = now.Sub(step.StartedAt).Milliseconds()

	status := "completed"
	if err != nil {
		code := errors.Classify(err)
		step.Status = run.StepFailed
		step.Error = &run.StepError{Code: code, Message: err.Error()}
		status = "failed"
		stepErrors.WithLabelValues(step.BlockType, code).Inc()
	} else {
		step.Status = run.StepCompleted
		if result != nil {
			step.Output = result.StateDelta
		}
	}
	stepDuration.WithLabelValues(step.BlockType, status).Observe(now.Sub(step.StartedAt).Seconds())

	e.sink.StepFinished(step)
	return step
}

// Skipped builds the sealed record for a block whose condition was
// false. No handler runs and no attempt is counted.
func Skipped(wctx *wfcontext.Context, blk *block.Block) *run.Step {
	now := time.Now()
	return &run.Step{
		ID:         uuid.NewString(),
		RunID:      wctx.Run.ID,
		BlockID:    blk.ID,
		BlockName:  blk.Name,
		BlockType:  string(blk.Type),
		Status:     run.StepSkipped,
		StartedAt:  now,
		FinishedAt: &now,
	}
}

// backoff returns the delay before the next attempt, doubling per
// attempt from the configured initial delay.
func backoff(initialMs, attempt int) time.Duration {
	d := time.Duration(initialMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	const maxBackoff = 30 * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
