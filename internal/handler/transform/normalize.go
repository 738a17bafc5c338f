// Package transform implements the normalize block handler: jq
// programs over values from state or the event, with a wall-clock
// timeout and an input size cap.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

const (
	// DefaultTimeout bounds a single jq evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the serialized input (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Normalize builds the normalize block handler.
//
//	normalize_query     — jq program (required)
//	normalize_input     — value or reference; defaults to "$state"
//	normalize_outputKey — binding key; defaults to "result"
func Normalize() registry.Handler {
	return NormalizeWith(DefaultTimeout, DefaultMaxInputSize)
}

// NormalizeWith builds the handler with explicit limits.
func NormalizeWith(timeout time.Duration, maxInputSize int) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		query := block.String(blk.Logic, "normalize_query", "")
		if query == "" {
			return nil, &errors.ValidationError{
				Field:      "normalize_query",
				Message:    "normalize block requires normalize_query",
				Suggestion: "provide a jq program, e.g. \".items | map(.id)\"",
			}
		}

		input := any(wctx.State)
		if raw, ok := blk.Logic["normalize_input"]; ok {
			input = wctx.ResolveDynamic(raw)
		}
		input, err := normalizeInput(input, maxInputSize)
		if err != nil {
			return nil, err
		}

		parsed, err := gojq.Parse(query)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "normalize_query",
				Message: fmt.Sprintf("jq parse error: %s", err.Error()),
			}
		}
		code, err := gojq.Compile(parsed)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "normalize_query",
				Message: fmt.Sprintf("jq compile error: %s", err.Error()),
			}
		}

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := runQuery(execCtx, code, input)
		if err != nil {
			if execCtx.Err() == context.DeadlineExceeded {
				return nil, &errors.TimeoutError{Operation: "normalize", Duration: timeout, Cause: err}
			}
			return nil, &errors.ValidationError{
				Field:   "normalize_query",
				Message: fmt.Sprintf("jq evaluation failed: %s", err.Error()),
			}
		}

		key := block.String(blk.Logic, "normalize_outputKey", "result")
		return &wfcontext.Result{StateDelta: map[string]any{key: out}}, nil
	})
}

// runQuery collects jq results: none is nil, one is the value,
// many become a list.
func runQuery(ctx context.Context, code *gojq.Code, input any) (any, error) {
	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeInput enforces the size cap and round-trips the value
// through JSON so gojq only ever sees its supported types.
func normalizeInput(input any, maxInputSize int) (any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "normalize_input",
			Message: fmt.Sprintf("input is not JSON-serializable: %s", err.Error()),
		}
	}
	if len(raw) > maxInputSize {
		return nil, &errors.ValidationError{
			Field:   "normalize_input",
			Message: fmt.Sprintf("input size %d exceeds the %d byte limit", len(raw), maxInputSize),
		}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &errors.ValidationError{
			Field:   "normalize_input",
			Message: fmt.Sprintf("input round-trip failed: %s", err.Error()),
		}
	}
	return out, nil
}
