// Package condition evaluates block condition expressions against the
// workflow context. Expressions use expr-lang syntax and see state,
// event, loops, and run as top-level variables.
package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/errors"
)

// Evaluator evaluates condition expressions. It caches compiled
// expressions for repeated evaluation across runs of the same version.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new condition evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a block condition against the run context.
// An empty condition is true: unconditioned blocks always execute.
//
// Example:
//
//	ok, err := eval.Evaluate(`state.count > 3 && has(event.tags, "urgent")`, wctx)
func (e *Evaluator) Evaluate(expression string, wctx *wfcontext.Context) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	result, err := expr.Run(program, evalEnv(wctx))
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced state and event paths exist",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}

	return boolResult, nil
}

// evalEnv builds the runtime environment for a single evaluation.
// Secrets are deliberately absent: conditions cannot read key material.
func evalEnv(wctx *wfcontext.Context) map[string]any {
	loops := make(map[string]any, len(wctx.Loops))
	for name, lc := range wctx.Loops {
		loops[name] = map[string]any{"index": lc.Index}
	}
	return map[string]any{
		"state": wctx.State,
		"event": wctx.Event,
		"loops": loops,
		"run": map[string]any{
			"id":           wctx.Run.ID,
			"workflow_id":  wctx.Run.WorkflowID,
			"trigger_type": wctx.Run.TriggerType,
			"platform":     wctx.Run.Platform,
		},
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// "contains" is a reserved string operator in expr, so the
	// membership helper is exposed as "has" / "includes"
	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the expression cache. Mainly useful for testing.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
