package transform

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

func normContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1"}, nil, map[string]any{
		"items": []any{
			map[string]any{"id": float64(1), "tag": "x"},
			map[string]any{"id": float64(2), "tag": "y"},
		},
	}, nil)
}

func TestNormalizeOverState(t *testing.T) {
	res, err := Normalize().Execute(context.Background(), normContext(), &block.Block{Logic: map[string]any{
		"normalize_query":     ".items | map(.id)",
		"normalize_outputKey": "ids",
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ids": []any{float64(1), float64(2)}}, res.StateDelta)
}

func TestNormalizeExplicitInput(t *testing.T) {
	res, err := Normalize().Execute(context.Background(), normContext(), &block.Block{Logic: map[string]any{
		"normalize_input": "$state.items",
		"normalize_query": ".[0].tag",
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "x"}, res.StateDelta)
}

func TestNormalizeMultipleOutputsBecomeList(t *testing.T) {
	res, err := Normalize().Execute(context.Background(), normContext(), &block.Block{Logic: map[string]any{
		"normalize_query": ".items[].tag",
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": []any{"x", "y"}}, res.StateDelta)
}

func TestNormalizeParseError(t *testing.T) {
	_, err := Normalize().Execute(context.Background(), normContext(), &block.Block{Logic: map[string]any{
		"normalize_query": ".items |",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestNormalizeMissingQuery(t *testing.T) {
	_, err := Normalize().Execute(context.Background(), normContext(), &block.Block{Logic: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestNormalizeInputSizeCap(t *testing.T) {
	h := NormalizeWith(time.Second, 16)
	_, err := h.Execute(context.Background(), normContext(), &block.Block{Logic: map[string]any{
		"normalize_query": ".",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}
