// Package code implements the code block handler: untrusted JavaScript
// evaluated in an embedded interpreter with no ambient authority. The
// script sees frozen copies of state, event, and secrets, and its final
// expression value becomes the bound output.
package code

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// Code builds the code block handler.
//
//	code_source          — script text (required)
//	code_timeout_ms      — wall-clock limit, default 5000
//	code_memory_limit_mb — output size cap, default 128
//	code_allow_network   — expose httpGet/httpPost, default false
//	bind_to              — binding key, default code_result
func Code() registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		logic, err := block.ParseCodeLogic(blk.Logic)
		if err != nil {
			return nil, &errors.ValidationError{Field: "code_source", Message: err.Error()}
		}

		vm := goja.New()
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

		if err := installGlobals(vm, wctx, logic.AllowNetwork); err != nil {
			return nil, &errors.SandboxError{Message: "sandbox setup failed: " + err.Error(), Cause: err}
		}

		timeout := time.Duration(logic.TimeoutMs) * time.Millisecond
		timer := time.AfterFunc(timeout, func() {
			vm.Interrupt("timeout")
		})
		defer timer.Stop()
		stop := context.AfterFunc(ctx, func() {
			vm.Interrupt("cancelled")
		})
		defer stop()

		value, err := vm.RunString(logic.Source)
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				if ctx.Err() != nil {
					return nil, &errors.CancelledError{Operation: "code block", Cause: ctx.Err()}
				}
				return nil, &errors.TimeoutError{Operation: "code block", Duration: timeout, Cause: err}
			}
			return nil, &errors.SandboxError{Message: "uncaught exception: " + err.Error(), Cause: err}
		}

		out, err := exportValue(value, logic.MemoryLimitMB)
		if err != nil {
			return nil, err
		}
		return &wfcontext.Result{StateDelta: map[string]any{logic.BindKey: out}}, nil
	})
}

// installGlobals populates the sandbox: deep-copied, frozen views of
// the run context, plus optional network helpers.
func installGlobals(vm *goja.Runtime, wctx *wfcontext.Context, allowNetwork bool) error {
	if err := setFrozen(vm, "state", wctx.State); err != nil {
		return err
	}
	if err := setFrozen(vm, "event", wctx.Event); err != nil {
		return err
	}
	secrets := make(map[string]any, len(wctx.Secrets))
	for k, v := range wctx.Secrets {
		secrets[k] = v
	}
	if err := setFrozen(vm, "secrets", secrets); err != nil {
		return err
	}

	if allowNetwork {
		if err := vm.Set("httpGet", netGet(vm)); err != nil {
			return err
		}
	}
	return nil
}

// setFrozen injects a deep copy of v as a recursively frozen global, so
// scripts cannot alias or mutate the live context.
func setFrozen(vm *goja.Runtime, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}
	var copied any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}
	if err := vm.Set(name, copied); err != nil {
		return err
	}
	_, err = vm.RunString(fmt.Sprintf(`(function deepFreeze(o) {
		if (o && typeof o === "object") {
			Object.getOwnPropertyNames(o).forEach(function(k) { deepFreeze(o[k]); });
			Object.freeze(o);
		}
	})(%s);`, name))
	return err
}

func exportValue(value goja.Value, memoryLimitMB int) (any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	out := value.Export()

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &errors.SandboxError{
			Message: fmt.Sprintf("script result is not JSON-serializable: %s", err.Error()),
			Cause:   err,
		}
	}
	if limit := memoryLimitMB * 1024 * 1024; len(raw) > limit {
		return nil, &errors.SandboxError{
			Message: fmt.Sprintf("script result of %d bytes exceeds the %dMB limit", len(raw), memoryLimitMB),
		}
	}
	var jsonSafe any
	if err := json.Unmarshal(raw, &jsonSafe); err != nil {
		return nil, &errors.SandboxError{Message: "result round-trip failed: " + err.Error(), Cause: err}
	}
	return jsonSafe, nil
}
