package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

func vContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1"},
		map[string]any{"form": map[string]any{"email": "not-an-email"}},
		map[string]any{"email": "ada@example.com", "age": float64(30)},
		nil)
}

func TestValidationPasses(t *testing.T) {
	res, err := Validation().Execute(context.Background(), vContext(), &block.Block{Logic: map[string]any{
		"validation_rules": map[string]any{
			"email": "required,email",
			"age":   "gte=18",
		},
	}})
	require.NoError(t, err)
	assert.Empty(t, res.StateDelta)
}

func TestValidationFailMode(t *testing.T) {
	_, err := Validation().Execute(context.Background(), vContext(), &block.Block{Logic: map[string]any{
		"validation_rules": map[string]any{"age": "gte=65"},
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestValidationReportMode(t *testing.T) {
	res, err := Validation().Execute(context.Background(), vContext(), &block.Block{Logic: map[string]any{
		"validation_target": "$event.form",
		"validation_mode":   "report",
		"validation_rules":  map[string]any{"email": "required,email"},
	}})
	require.NoError(t, err)
	report := res.StateDelta["result"].(map[string]any)
	assert.Equal(t, false, report["valid"])
	assert.Len(t, report["violations"], 1)
}

func TestValidationRequiresRules(t *testing.T) {
	_, err := Validation().Execute(context.Background(), vContext(), &block.Block{Logic: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestValidationMissingFieldFailsRequired(t *testing.T) {
	_, err := Validation().Execute(context.Background(), vContext(), &block.Block{Logic: map[string]any{
		"validation_rules": map[string]any{"phone": "required"},
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}
