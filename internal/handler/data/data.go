// Package data implements the pure data-shaping block handlers:
// object, string, array, math, and date. None of them perform I/O;
// they resolve their inputs against the run context and emit a state
// delta.
package data

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// Object builds the object block handler. object_values is resolved
// recursively; with object_outputKey the result is bound under that
// key, otherwise its top-level keys merge directly into state.
func Object() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		raw, ok := blk.Logic["object_values"]
		if !ok {
			return nil, &errors.ValidationError{
				Field:      "object_values",
				Message:    "object block requires object_values",
				Suggestion: "provide a mapping of keys to values or reference strings",
			}
		}
		resolved, ok := wctx.ResolveDynamic(raw).(map[string]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "object_values",
				Message: fmt.Sprintf("object_values must resolve to an object, got %T", raw),
			}
		}
		if key := block.String(blk.Logic, "object_outputKey", ""); key != "" {
			return &wfcontext.Result{StateDelta: map[string]any{key: resolved}}, nil
		}
		return &wfcontext.Result{StateDelta: resolved}, nil
	})
}

// String builds the string block handler. string_template supports
// {{path}} substitution; the rendered string binds to string_outputKey.
func String() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		tmpl, ok := blk.Logic["string_template"].(string)
		if !ok {
			return nil, &errors.ValidationError{
				Field:      "string_template",
				Message:    "string block requires string_template",
				Suggestion: "provide a template string, e.g. \"Hello, {{event.name}}!\"",
			}
		}
		rendered := fmt.Sprintf("%v", wctx.Resolve(tmpl))
		key := block.String(blk.Logic, "string_outputKey", "result")
		return &wfcontext.Result{StateDelta: map[string]any{key: rendered}}, nil
	})
}

// Array builds the array block handler: resolves array_items
// element-wise and binds the list to array_outputKey.
func Array() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		raw, ok := blk.Logic["array_items"]
		if !ok {
			return nil, &errors.ValidationError{
				Field:      "array_items",
				Message:    "array block requires array_items",
				Suggestion: "provide a list of values or reference strings",
			}
		}
		resolved := wctx.ResolveDynamic(raw)
		items, ok := resolved.([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "array_items",
				Message: fmt.Sprintf("array_items must resolve to a list, got %T", resolved),
			}
		}
		key := block.String(blk.Logic, "array_outputKey", "result")
		return &wfcontext.Result{StateDelta: map[string]any{key: items}}, nil
	})
}

// Math builds the math block handler: evaluates math_expression with
// expr against state and event and binds the numeric result.
func Math() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		expression := block.String(blk.Logic, "math_expression", "")
		if expression == "" {
			return nil, &errors.ValidationError{
				Field:      "math_expression",
				Message:    "math block requires math_expression",
				Suggestion: "provide an arithmetic expression, e.g. \"state.total * 1.2\"",
			}
		}
		env := map[string]any{
			"state": wctx.State,
			"event": wctx.Event,
		}
		value, err := expr.Eval(expression, env)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "math_expression",
				Message: fmt.Sprintf("expression failed: %s", err.Error()),
			}
		}
		switch value.(type) {
		case int, int64, float64, uint, uint64:
		default:
			return nil, &errors.ValidationError{
				Field:   "math_expression",
				Message: fmt.Sprintf("expression must produce a number, got %T", value),
			}
		}
		key := block.String(blk.Logic, "math_outputKey", "result")
		return &wfcontext.Result{StateDelta: map[string]any{key: value}}, nil
	})
}

// Date builds the date block handler. Operations:
//
//	now    — current time
//	format — render date_value with date_format
//	add    — date_value plus date_amount date_unit
//	diff   — milliseconds between date_value and date_other
func Date() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		op := block.String(blk.Logic, "date_operation", "now")
		layout := block.String(blk.Logic, "date_format", time.RFC3339)
		key := block.String(blk.Logic, "date_outputKey", "result")

		var out any
		switch op {
		case "now":
			out = time.Now().UTC().Format(layout)

		case "format":
			t, err := resolveTime(wctx, blk.Logic, "date_value")
			if err != nil {
				return nil, err
			}
			out = t.Format(layout)

		case "add":
			t, err := resolveTime(wctx, blk.Logic, "date_value")
			if err != nil {
				return nil, err
			}
			d, err := unitDuration(blk.Logic)
			if err != nil {
				return nil, err
			}
			out = t.Add(d).Format(layout)

		case "diff":
			a, err := resolveTime(wctx, blk.Logic, "date_value")
			if err != nil {
				return nil, err
			}
			b, err := resolveTime(wctx, blk.Logic, "date_other")
			if err != nil {
				return nil, err
			}
			out = a.Sub(b).Milliseconds()

		default:
			return nil, &errors.ValidationError{
				Field:      "date_operation",
				Message:    fmt.Sprintf("unknown operation %q", op),
				Suggestion: "use one of: now, format, add, diff",
			}
		}
		return &wfcontext.Result{StateDelta: map[string]any{key: out}}, nil
	})
}

// resolveTime reads a logic key, resolves references, and parses the
// value as RFC 3339 or epoch milliseconds.
func resolveTime(wctx *wfcontext.Context, logic map[string]any, field string) (time.Time, error) {
	raw, ok := logic[field]
	if !ok {
		return time.Time{}, &errors.ValidationError{Field: field, Message: field + " is required"}
	}
	switch v := wctx.Resolve(raw).(type) {
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, &errors.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("cannot parse %q as RFC 3339", v),
			}
		}
		return t, nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	default:
		return time.Time{}, &errors.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s must be a timestamp string or epoch milliseconds, got %T", field, v),
		}
	}
}

func unitDuration(logic map[string]any) (time.Duration, error) {
	amount := block.Int(logic, "date_amount", 0)
	unit := block.String(logic, "date_unit", "ms")
	switch unit {
	case "ms":
		return time.Duration(amount) * time.Millisecond, nil
	case "s", "seconds":
		return time.Duration(amount) * time.Second, nil
	case "m", "minutes":
		return time.Duration(amount) * time.Minute, nil
	case "h", "hours":
		return time.Duration(amount) * time.Hour, nil
	case "d", "days":
		return time.Duration(amount) * 24 * time.Hour, nil
	default:
		return 0, &errors.ValidationError{
			Field:      "date_unit",
			Message:    fmt.Sprintf("unknown unit %q", unit),
			Suggestion: "use one of: ms, s, m, h, d",
		}
	}
}
