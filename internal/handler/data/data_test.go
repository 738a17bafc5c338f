package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

func dataContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1"},
		map[string]any{"name": "World"},
		map[string]any{"counter": 42, "total": float64(100), "items": []any{"a", "b"}},
		nil)
}

func exec(t *testing.T, h interface {
	Execute(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error)
}, wctx *wfcontext.Context, logic map[string]any) *wfcontext.Result {
	t.Helper()
	res, err := h.Execute(context.Background(), wctx, &block.Block{ID: "b1", Logic: logic})
	require.NoError(t, err)
	return res
}

func TestObjectMergesKeysWithoutOutputKey(t *testing.T) {
	res := exec(t, Object(), dataContext(), map[string]any{
		"object_values": map[string]any{"counter": 7, "tag": "{{event.name}}"},
	})
	assert.Equal(t, map[string]any{"counter": 7, "tag": "World"}, res.StateDelta)
}

func TestObjectBindsUnderOutputKey(t *testing.T) {
	res := exec(t, Object(), dataContext(), map[string]any{
		"object_values":    map[string]any{"n": "$state.counter"},
		"object_outputKey": "data",
	})
	assert.Equal(t, map[string]any{"data": map[string]any{"n": 42}}, res.StateDelta)
}

func TestObjectRequiresValues(t *testing.T) {
	_, err := Object().Execute(context.Background(), dataContext(), &block.Block{Logic: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestStringTemplate(t *testing.T) {
	res := exec(t, String(), dataContext(), map[string]any{
		"string_template":  "Hello, {{event.name}}!",
		"string_outputKey": "greeting",
	})
	assert.Equal(t, map[string]any{"greeting": "Hello, World!"}, res.StateDelta)
}

func TestStringTemplateMissingRefsRenderEmpty(t *testing.T) {
	res := exec(t, String(), dataContext(), map[string]any{
		"string_template": "x={{state.gone}}",
	})
	assert.Equal(t, map[string]any{"result": "x="}, res.StateDelta)
}

func TestArrayResolvesItems(t *testing.T) {
	res := exec(t, Array(), dataContext(), map[string]any{
		"array_items":     []any{"$state.counter", "literal", "{{event.name}}"},
		"array_outputKey": "out",
	})
	assert.Equal(t, map[string]any{"out": []any{42, "literal", "World"}}, res.StateDelta)
}

func TestArrayFromStateReference(t *testing.T) {
	res := exec(t, Array(), dataContext(), map[string]any{
		"array_items": "$state.items",
	})
	assert.Equal(t, map[string]any{"result": []any{"a", "b"}}, res.StateDelta)
}

func TestMathExpression(t *testing.T) {
	res := exec(t, Math(), dataContext(), map[string]any{
		"math_expression": "state.total * 1.2",
		"math_outputKey":  "with_tax",
	})
	assert.Equal(t, map[string]any{"with_tax": float64(120)}, res.StateDelta)
}

func TestMathRejectsNonNumeric(t *testing.T) {
	_, err := Math().Execute(context.Background(), dataContext(), &block.Block{Logic: map[string]any{
		"math_expression": `"not" + " a number"`,
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestDateFormatAndAdd(t *testing.T) {
	res := exec(t, Date(), dataContext(), map[string]any{
		"date_operation": "format",
		"date_value":     "2026-01-02T03:04:05Z",
		"date_format":    "2006-01-02",
	})
	assert.Equal(t, map[string]any{"result": "2026-01-02"}, res.StateDelta)

	res = exec(t, Date(), dataContext(), map[string]any{
		"date_operation": "add",
		"date_value":     "2026-01-02T00:00:00Z",
		"date_amount":    2,
		"date_unit":      "d",
	})
	assert.Equal(t, map[string]any{"result": "2026-01-04T00:00:00Z"}, res.StateDelta)
}

func TestDateDiffMilliseconds(t *testing.T) {
	res := exec(t, Date(), dataContext(), map[string]any{
		"date_operation": "diff",
		"date_value":     "2026-01-01T00:00:10Z",
		"date_other":     "2026-01-01T00:00:00Z",
	})
	assert.Equal(t, map[string]any{"result": int64(10000)}, res.StateDelta)
}

func TestDateUnknownOperation(t *testing.T) {
	_, err := Date().Execute(context.Background(), dataContext(), &block.Block{Logic: map[string]any{
		"date_operation": "warp",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}
