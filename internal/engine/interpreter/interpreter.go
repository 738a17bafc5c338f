// Package interpreter drives a workflow version block by block: order,
// conditions, goto control flow (immediate and deferred), pause on UI
// blocks, on_error policies, and the step budget. It owns no I/O of its
// own; blocks execute through the executor and platform registry.
package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tombee/cascade/internal/engine/condition"
	"github.com/tombee/cascade/internal/engine/executor"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

// DefaultMaxSteps bounds total block executions per run, counting
// deferred branches. Guards against unbounded goto loops that a loop
// cap does not catch.
const DefaultMaxSteps = 1000

// Interpreter executes workflow versions.
type Interpreter struct {
	exec     *executor.Executor
	cond     *condition.Evaluator
	logger   *slog.Logger
	maxSteps int64
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithMaxSteps overrides the per-run step budget.
func WithMaxSteps(n int) Option {
	return func(i *Interpreter) { i.maxSteps = int64(n) }
}

// New creates an interpreter.
func New(exec *executor.Executor, cond *condition.Evaluator, logger *slog.Logger, opts ...Option) *Interpreter {
	i := &Interpreter{
		exec:     exec,
		cond:     cond,
		logger:   logger,
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Outcome is the result of driving a run to a stopping point: terminal
// success or failure, or a pause awaiting user action.
type Outcome struct {
	Status     run.Status
	FinalState map[string]any
	Steps      []run.Step
	Artifacts  []wfcontext.Artifact
	Error      *run.StepError
	Paused     *run.PausedState
}

// Execute runs a version from the first block.
func (i *Interpreter) Execute(ctx context.Context, version *block.WorkflowVersion, wctx *wfcontext.Context) (*Outcome, error) {
	return i.run(ctx, version, wctx, 0)
}

// Resume continues a paused run at the block after the one that
// paused. The caller rehydrates the context and merges action data
// before calling.
func (i *Interpreter) Resume(ctx context.Context, version *block.WorkflowVersion, wctx *wfcontext.Context, pausedIndex int) (*Outcome, error) {
	return i.run(ctx, version, wctx, pausedIndex+1)
}

type runMode int

const (
	modeMain runMode = iota
	modeBranch
)

func (i *Interpreter) run(ctx context.Context, version *block.WorkflowVersion, wctx *wfcontext.Context, start int) (*Outcome, error) {
	blocks := append([]block.Block(nil), version.Blocks...)
	block.Sort(blocks)

	var budget atomic.Int64
	outcome, err := i.sequence(ctx, blocks, wctx, start, modeMain, &budget)
	if outcome != nil {
		outcome.FinalState = wctx.State
		outcome.Artifacts = wctx.Artifacts
		// Number the sealed steps 0..k. The service shifts these when a
		// resumed run appends to steps recorded before the pause.
		for idx := range outcome.Steps {
			outcome.Steps[idx].ExecutionOrder = idx
		}
	}
	return outcome, err
}

// sequence executes blocks from start until the end of the list, a
// terminal error, or a pause. Deferred goto branches spawned along the
// way are joined before returning.
func (i *Interpreter) sequence(ctx context.Context, blocks []block.Block, wctx *wfcontext.Context, start int, mode runMode, budget *atomic.Int64) (*Outcome, error) {
	out := &Outcome{Status: run.StatusCompleted}
	branches := newBranchSet()

	// Branches must be joined no matter how the sequence exits, so a
	// failure in the main line still waits for in-flight work.
	defer func() {
		steps, branchErr := branches.join(wctx)
		out.Steps = append(out.Steps, steps...)
		if branchErr != nil && out.Status == run.StatusCompleted {
			i.fail(out, branchErr)
		}
	}()

	idx := start
	for idx >= 0 && idx < len(blocks) {
		if err := interruption(ctx); err != nil {
			i.fail(out, err)
			return out, err
		}
		if budget.Add(1) > i.maxSteps {
			err := &errors.FlowError{
				ErrCode: errors.CodeLoopLimitExceeded,
				Message: fmt.Sprintf("run exceeded the %d step budget", i.maxSteps),
			}
			i.fail(out, err)
			return out, err
		}

		blk := &blocks[idx]

		ok, condErr := i.cond.Evaluate(blk.Condition, wctx)
		if condErr != nil {
			next, err := i.blockFailed(out, blocks, blk, condErr)
			if err != nil {
				return out, err
			}
			idx = next(idx)
			continue
		}
		if !ok {
			out.Steps = append(out.Steps, *executor.Skipped(wctx, blk))
			wctx.MarkPath(blk.ID + ":skipped")
			idx++
			continue
		}

		result, step, execErr := i.exec.Execute(ctx, wctx, blk)
		out.Steps = append(out.Steps, *step)

		if execErr != nil {
			next, err := i.blockFailed(out, blocks, blk, execErr)
			if err != nil {
				return out, err
			}
			idx = next(idx)
			continue
		}

		wctx.ApplyDelta(result.StateDelta)
		wctx.AddArtifacts(result.Artifacts...)

		switch result.Signal {
		case wfcontext.SignalPause:
			if mode == modeBranch {
				err := &errors.ValidationError{
					Field:   "blocks",
					Message: fmt.Sprintf("block %q: UI blocks cannot execute inside a deferred branch", blk.ID),
				}
				i.fail(out, err)
				return out, err
			}
			out.Status = run.StatusAwaitingAction
			out.Paused = i.pausedState(wctx, blk, idx, result.Pause)
			return out, nil

		case wfcontext.SignalGoto:
			target := block.Find(blocks, result.Goto.Target)
			if target < 0 {
				err := &errors.FlowError{
					ErrCode: errors.CodeGotoTargetNotFound,
					Message: fmt.Sprintf("goto target %q not found", result.Goto.Target),
				}
				next, ferr := i.blockFailed(out, blocks, blk, err)
				if ferr != nil {
					return out, ferr
				}
				idx = next(idx)
				continue
			}

			if result.Goto.Defer {
				branches.spawn(blk.ID, result.Goto.MaxConcurrent, func(branchCtx *wfcontext.Context) (*Outcome, error) {
					return i.sequence(ctx, blocks, branchCtx, target, modeBranch, budget)
				}, wctx)
				wctx.MarkPath(blk.ID + ":deferred:" + result.Goto.Target)
				idx++
				continue
			}

			if err := i.countLoop(wctx, result.Goto); err != nil {
				i.fail(out, err)
				return out, err
			}
			wctx.MarkPath(blk.ID + ":goto:" + result.Goto.Target)
			idx = target

		default:
			idx++
		}
	}

	return out, nil
}

// countLoop advances a named loop counter and enforces its cap.
// Exceeding the cap is fatal: no on_error policy can absorb it.
func (i *Interpreter) countLoop(wctx *wfcontext.Context, g *wfcontext.Goto) error {
	if g.LoopName == "" {
		return nil
	}
	lc := wctx.Loop(g.LoopName)
	lc.Index++
	if g.MaxIterations > 0 && lc.Index > g.MaxIterations {
		return &errors.FlowError{
			ErrCode: errors.CodeLoopLimitExceeded,
			Message: fmt.Sprintf("loop %q exceeded %d iterations", g.LoopName, g.MaxIterations),
		}
	}
	return nil
}

// blockFailed applies the block's on_error policy. It returns an index
// transition on recovery, or an error when the run must fail.
func (i *Interpreter) blockFailed(out *Outcome, blocks []block.Block, blk *block.Block, cause error) (func(int) int, error) {
	code := errors.Classify(cause)
	if errors.Fatal(code) {
		i.fail(out, cause)
		return nil, cause
	}

	switch {
	case blk.OnError == block.OnErrorContinue:
		i.logger.Warn("block failed, continuing",
			slog.String("run_id", out.runID()),
			slog.String("block_id", blk.ID),
			slog.String("code", code))
		return func(idx int) int { return idx + 1 }, nil

	case blk.OnErrorGoto() != "":
		target := block.Find(blocks, blk.OnErrorGoto())
		if target < 0 {
			err := &errors.FlowError{
				ErrCode: errors.CodeGotoTargetNotFound,
				Message: fmt.Sprintf("on_error target %q not found", blk.OnErrorGoto()),
			}
			i.fail(out, err)
			return nil, err
		}
		return func(int) int { return target }, nil

	default:
		i.fail(out, cause)
		return nil, cause
	}
}

func (i *Interpreter) fail(out *Outcome, cause error) {
	code := errors.Classify(cause)
	switch code {
	case errors.CodeCancelled:
		out.Status = run.StatusCancelled
	default:
		out.Status = run.StatusFailed
	}
	out.Error = &run.StepError{Code: code, Message: cause.Error()}
}

// pausedState snapshots the context for persistence.
func (i *Interpreter) pausedState(wctx *wfcontext.Context, blk *block.Block, idx int, prompt map[string]any) *run.PausedState {
	raw, err := json.Marshal(wctx.Snapshot())
	if err != nil {
		// Snapshot content is JSON-shaped by construction; log and
		// carry an empty snapshot rather than lose the pause.
		i.logger.Error("failed to marshal pause snapshot",
			slog.String("run_id", wctx.Run.ID),
			slog.String("block_id", blk.ID),
			slog.String("error", err.Error()))
		raw = []byte("{}")
	}
	return &run.PausedState{
		BlockID:    blk.ID,
		BlockIndex: idx,
		BlockType:  string(blk.Type),
		Prompt:     prompt,
		Context:    raw,
		PausedAt:   time.Now(),
	}
}

// interruption maps context termination to run-level errors.
func interruption(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return &errors.TimeoutError{Operation: "run", Run: true, Cause: ctx.Err()}
	default:
		return &errors.CancelledError{Operation: "run", Cause: ctx.Err()}
	}
}

func (o *Outcome) runID() string {
	for i := range o.Steps {
		if o.Steps[i].RunID != "" {
			return o.Steps[i].RunID
		}
	}
	return ""
}
