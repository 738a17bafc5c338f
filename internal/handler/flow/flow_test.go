package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

func flowContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1", Platform: "server"}, nil,
		map[string]any{"wait": float64(10)}, nil)
}

func TestGotoEmitsSignal(t *testing.T) {
	res, err := Goto().Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{
		"goto_target":         "b5",
		"goto_loop_name":      "poll",
		"goto_max_iterations": 3,
	}})
	require.NoError(t, err)
	assert.Equal(t, wfcontext.SignalGoto, res.Signal)
	assert.Equal(t, "b5", res.Goto.Target)
	assert.Equal(t, "poll", res.Goto.LoopName)
	assert.Equal(t, 3, res.Goto.MaxIterations)
	assert.False(t, res.Goto.Defer)
	assert.Equal(t, 10, res.Goto.MaxConcurrent)
}

func TestGotoRequiresTarget(t *testing.T) {
	_, err := Goto().Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestSleepResolvesDuration(t *testing.T) {
	start := time.Now()
	res, err := Sleep().Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{
		"sleep_duration_ms": "$state.wait",
	}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, int64(10), res.StateDelta["slept_ms"])
}

func TestSleepClampsNegativeAndMissingToZero(t *testing.T) {
	for _, logic := range []map[string]any{
		{"sleep_duration_ms": -500},
		{},
	} {
		start := time.Now()
		res, err := Sleep().Execute(context.Background(), flowContext(), &block.Block{Logic: logic})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, int64(0), res.StateDelta["slept_ms"])
	}
}

func TestSleepClampsToMax(t *testing.T) {
	// verify the clamp without waiting it out: a cancelled context
	// returns promptly regardless of requested duration
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Sleep().Execute(ctx, flowContext(), &block.Block{Logic: map[string]any{
		"sleep_duration_ms": 900_000,
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.Classify(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type fakeAgent struct {
	gotPrompt string
}

func (f *fakeAgent) Complete(_ context.Context, prompt string, _ map[string]any) (map[string]any, error) {
	f.gotPrompt = prompt
	return map[string]any{"text": "done"}, nil
}

func TestAgentResolvesPromptAndBinds(t *testing.T) {
	agent := &fakeAgent{}
	res, err := Agent(agent).Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{
		"agent_prompt": "wait was {{state.wait}}",
		"bind_to":      "$state.answer",
	}})
	require.NoError(t, err)
	assert.Equal(t, "wait was 10", agent.gotPrompt)
	assert.Equal(t, map[string]any{"text": "done"}, res.StateDelta["answer"])
}

func TestAgentWithoutClientIsCapabilityError(t *testing.T) {
	_, err := Agent(nil).Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{
		"agent_prompt": "hi",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityUnavailable, errors.Classify(err))
}

func TestLocation(t *testing.T) {
	src := LocationSource(func(context.Context) (*Coords, error) {
		return &Coords{Latitude: 51.5, Longitude: -0.12, Accuracy: 5}, nil
	})
	res, err := Location(src).Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{}})
	require.NoError(t, err)
	loc := res.StateDelta["location_result"].(map[string]any)
	assert.Equal(t, 51.5, loc["latitude"])

	_, err = Location(nil).Execute(context.Background(), flowContext(), &block.Block{Logic: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityUnavailable, errors.Classify(err))
}
