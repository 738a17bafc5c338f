// Package flow implements the control-flow and platform block
// handlers: goto, sleep, agent, and location.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// MaxSleepDuration caps a sleep block to prevent runs parking forever.
const MaxSleepDuration = 5 * time.Minute

// Goto builds the goto block handler. It emits the jump signal; the
// interpreter owns target resolution, loop counting, and deferral.
func Goto() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, _ *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		logic, err := block.ParseGotoLogic(blk.Logic)
		if err != nil {
			return nil, &errors.ValidationError{Field: "goto_target", Message: err.Error()}
		}
		return &wfcontext.Result{
			Signal: wfcontext.SignalGoto,
			Goto: &wfcontext.Goto{
				Target:        logic.Target,
				Defer:         logic.Defer,
				MaxConcurrent: logic.MaxConcurrent,
				LoopName:      logic.LoopName,
				MaxIterations: logic.MaxIterations,
			},
		}, nil
	})
}

// Sleep builds the sleep block handler. sleep_duration_ms is resolved,
// clamped to [0, MaxSleepDuration], and waited out cooperatively:
// cancellation during the wait fails the step promptly.
func Sleep() registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		raw := wctx.Resolve(blk.Logic["sleep_duration_ms"])
		d := time.Duration(asInt(raw)) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d > MaxSleepDuration {
			d = MaxSleepDuration
		}

		select {
		case <-ctx.Done():
			return nil, &errors.CancelledError{Operation: "sleep", Cause: ctx.Err()}
		case <-time.After(d):
			return &wfcontext.Result{StateDelta: map[string]any{
				"slept_ms": d.Milliseconds(),
			}}, nil
		}
	})
}

// AgentClient is the boundary to whatever answers agent blocks.
type AgentClient interface {
	Complete(ctx context.Context, prompt string, input map[string]any) (map[string]any, error)
}

// Agent builds the agent block handler over a client. agent_prompt is
// template-resolved; the client's reply binds to bind_to (default
// agent_result).
func Agent(client AgentClient) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		if client == nil {
			return nil, &errors.CapabilityError{BlockType: string(block.TypeAgent), Platform: wctx.Run.Platform}
		}
		prompt := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "agent_prompt", "")))
		if prompt == "" {
			return nil, &errors.ValidationError{
				Field:      "agent_prompt",
				Message:    "agent block requires agent_prompt",
				Suggestion: "provide a prompt template",
			}
		}
		input, _ := wctx.ResolveDynamic(block.Map(blk.Logic, "agent_input")).(map[string]any)

		reply, err := client.Complete(ctx, prompt, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &errors.CancelledError{Operation: "agent", Cause: ctx.Err()}
			}
			return nil, &errors.UpstreamError{Service: "agent", Message: err.Error(), Retryable: true, Cause: err}
		}
		key := block.BindKey(blk.Logic, "agent_result")
		return &wfcontext.Result{StateDelta: map[string]any{key: reply}}, nil
	})
}

// Coords is a device location fix.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// LocationSource supplies the current device position, or nil when the
// platform has no fix.
type LocationSource func(ctx context.Context) (*Coords, error)

// Location builds the location block handler over a platform source.
func Location(source LocationSource) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		if source == nil {
			return nil, &errors.CapabilityError{BlockType: string(block.TypeLocation), Platform: wctx.Run.Platform}
		}
		coords, err := source(ctx)
		if err != nil {
			return nil, &errors.UpstreamError{Service: "location", Message: err.Error(), Cause: err}
		}
		key := block.BindKey(blk.Logic, "location_result")
		if coords == nil {
			return &wfcontext.Result{StateDelta: map[string]any{key: nil}}, nil
		}
		return &wfcontext.Result{StateDelta: map[string]any{key: map[string]any{
			"latitude":  coords.Latitude,
			"longitude": coords.Longitude,
			"accuracy":  coords.Accuracy,
		}}}, nil
	})
}

// Pause builds the handler shared by the ui_* block types on platforms
// that can render them: it suspends the run, carrying the block's
// resolved logic as the prompt for the client surface.
func Pause() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		prompt, _ := wctx.ResolveDynamic(blk.Logic).(map[string]any)
		if prompt == nil {
			prompt = map[string]any{}
		}
		prompt["block_type"] = string(blk.Type)
		return &wfcontext.Result{Signal: wfcontext.SignalPause, Pause: prompt}, nil
	})
}

func asInt(v any) int64 {
	switch tv := v.(type) {
	case int:
		return int64(tv)
	case int64:
		return tv
	case float64:
		return int64(tv)
	default:
		return 0
	}
}
