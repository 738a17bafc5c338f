package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

type recordingSink struct {
	started  []*run.Step
	finished []*run.Step
}

func (s *recordingSink) StepStarted(step *run.Step)  { s.started = append(s.started, step) }
func (s *recordingSink) StepFinished(step *run.Step) { s.finished = append(s.finished, step) }

func newExecutor(t *testing.T, reg *registry.Registry, opts ...Option) (*Executor, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	opts = append(opts, WithSink(sink))
	return New(reg, log.New(&log.Config{Level: "error"}), opts...), sink
}

func execContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1", Platform: "server"}, nil, nil, nil)
}

func TestExecuteSuccess(t *testing.T) {
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeObject, func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		return &wfcontext.Result{StateDelta: map[string]any{"v": 1}}, nil
	})
	exec, sink := newExecutor(t, reg)

	res, step, err := exec.Execute(context.Background(), execContext(), &block.Block{ID: "b1", Type: block.TypeObject})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": 1}, res.StateDelta)

	assert.Equal(t, run.StepCompleted, step.Status)
	assert.Equal(t, 1, step.Attempt)
	assert.Equal(t, map[string]any{"v": 1}, step.Output)
	require.NotNil(t, step.FinishedAt)
	require.Len(t, sink.started, 1)
	require.Len(t, sink.finished, 1)
	assert.Same(t, step, sink.finished[0])
}

func TestExecutePauseLeavesStepRunning(t *testing.T) {
	reg := registry.New("server", registry.Capabilities{HasUI: true})
	reg.RegisterFunc(block.TypeUIForm, func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		return &wfcontext.Result{Signal: wfcontext.SignalPause, Pause: map[string]any{"title": "hi"}}, nil
	})
	exec, sink := newExecutor(t, reg)

	res, step, err := exec.Execute(context.Background(), execContext(), &block.Block{ID: "ask", Type: block.TypeUIForm})
	require.NoError(t, err)
	assert.Equal(t, wfcontext.SignalPause, res.Signal)

	assert.Equal(t, run.StepRunning, step.Status)
	assert.Nil(t, step.FinishedAt)
	require.Len(t, sink.finished, 1)
}

func TestExecuteFailureClassified(t *testing.T) {
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeFetch, func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		return nil, &errors.BlockedError{Target: "127.0.0.1", Reason: "loopback address"}
	})
	exec, _ := newExecutor(t, reg)

	_, step, err := exec.Execute(context.Background(), execContext(), &block.Block{ID: "b1", Type: block.TypeFetch})
	require.Error(t, err)
	assert.Equal(t, run.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, errors.CodeSSRFBlocked, step.Error.Code)
}

func TestExecuteUnknownType(t *testing.T) {
	reg := registry.New("server", registry.Capabilities{})
	exec, sink := newExecutor(t, reg)

	_, step, err := exec.Execute(context.Background(), execContext(), &block.Block{ID: "b1", Type: block.Type("warp")})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnknownBlockType, step.Error.Code)
	require.Len(t, sink.finished, 1)
}

func TestExecuteRetriesRetryableErrors(t *testing.T) {
	calls := 0
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeFetch, func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		calls++
		if calls < 3 {
			return nil, &errors.UpstreamError{Service: "api", StatusCode: 503, Retryable: true}
		}
		return &wfcontext.Result{StateDelta: map[string]any{"ok": true}}, nil
	})
	exec, _ := newExecutor(t, reg)

	blk := &block.Block{ID: "b1", Type: block.TypeFetch, Logic: map[string]any{
		"retry_max_attempts":     3,
		"retry_initial_delay_ms": 1,
	}}
	res, step, err := exec.Execute(context.Background(), execContext(), blk)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.StateDelta)
	assert.Equal(t, 3, step.Attempt)
	assert.Equal(t, 3, calls)
}

func TestExecuteNoRetryByDefault(t *testing.T) {
	calls := 0
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeFetch, func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		calls++
		return nil, &errors.UpstreamError{Service: "api", StatusCode: 503, Retryable: true}
	})
	exec, _ := newExecutor(t, reg)

	_, step, err := exec.Execute(context.Background(), execContext(), &block.Block{ID: "b1", Type: block.TypeFetch})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, step.Attempt)
}

func TestExecuteNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeObject, func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		calls++
		return nil, &errors.ValidationError{Field: "values", Message: "must be an object"}
	})
	exec, _ := newExecutor(t, reg)

	blk := &block.Block{ID: "b1", Type: block.TypeObject, Logic: map[string]any{"retry_max_attempts": 5}}
	_, step, err := exec.Execute(context.Background(), execContext(), blk)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errors.CodeValidation, step.Error.Code)
}

func TestExecuteBlockTimeout(t *testing.T) {
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeSleep, func(ctx context.Context, _ *wfcontext.Context, _ *block.Block) (*wfcontext.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec, _ := newExecutor(t, reg, WithTimeout(20*time.Millisecond))

	_, step, err := exec.Execute(context.Background(), execContext(), &block.Block{ID: "b1", Type: block.TypeSleep})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, step.Error.Code)
}

func TestExecuteCancellation(t *testing.T) {
	reg := registry.New("server", registry.Capabilities{})
	reg.RegisterFunc(block.TypeSleep, func(ctx context.Context, _ *wfcontext.Context, _ *block.Block) (*wfcontext.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec, _ := newExecutor(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, step, err := exec.Execute(ctx, execContext(), &block.Block{ID: "b1", Type: block.TypeSleep})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, step.Error.Code)
}

func TestSkippedStep(t *testing.T) {
	step := Skipped(execContext(), &block.Block{ID: "b2", Name: "maybe", Type: block.TypeString})
	assert.Equal(t, run.StepSkipped, step.Status)
	assert.Equal(t, "b2", step.BlockID)
	assert.NotNil(t, step.FinishedAt)
	assert.Nil(t, step.Error)
}

func TestBackoffDoubles(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoff(500, 1))
	assert.Equal(t, time.Second, backoff(500, 2))
	assert.Equal(t, 2*time.Second, backoff(500, 3))
	assert.Equal(t, 30*time.Second, backoff(500, 20))
}
