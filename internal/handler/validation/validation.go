// Package validation implements the validation block handler: rule
// tags applied to values pulled from state or the event.
package validation

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// Validation builds the validation block handler.
//
//	validation_rules     — map of field name to rule tags, e.g.
//	                       {"email": "required,email", "age": "gte=18"}
//	validation_target    — value the fields are read from; default $state
//	validation_mode      — "fail" (default) fails the block on the first
//	                       violation; "report" binds {valid, violations}
//	validation_outputKey — binding key in report mode, default result
func Validation() registry.Handler {
	validate := validator.New()
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		rules := block.Map(blk.Logic, "validation_rules")
		if len(rules) == 0 {
			return nil, &errors.ValidationError{
				Field:      "validation_rules",
				Message:    "validation block requires validation_rules",
				Suggestion: "provide a mapping of field names to rule tags",
			}
		}

		target := any(wctx.State)
		if raw, ok := blk.Logic["validation_target"]; ok {
			target = wctx.ResolveDynamic(raw)
		}
		fields, ok := target.(map[string]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "validation_target",
				Message: fmt.Sprintf("target must resolve to an object, got %T", target),
			}
		}

		mode := block.String(blk.Logic, "validation_mode", "fail")
		var violations []any
		for field, rawTag := range rules {
			tag, ok := rawTag.(string)
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "validation_rules",
					Message: fmt.Sprintf("rule for %q must be a string, got %T", field, rawTag),
				}
			}
			if err := validate.Var(fields[field], tag); err != nil {
				if _, isInvalid := err.(*validator.InvalidValidationError); isInvalid {
					return nil, &errors.ValidationError{
						Field:   "validation_rules",
						Message: fmt.Sprintf("bad rule %q for field %q", tag, field),
					}
				}
				if mode == "fail" {
					return nil, &errors.ValidationError{
						Field:   field,
						Message: fmt.Sprintf("field %q failed rule %q", field, tag),
					}
				}
				violations = append(violations, map[string]any{"field": field, "rule": tag})
			}
		}

		if mode == "fail" {
			return &wfcontext.Result{}, nil
		}
		key := block.String(blk.Logic, "validation_outputKey", "result")
		report := map[string]any{"valid": len(violations) == 0}
		if violations != nil {
			report["violations"] = violations
		}
		return &wfcontext.Result{StateDelta: map[string]any{key: report}}, nil
	})
}
