package code

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

func codeContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1"},
		map[string]any{"n": float64(5)},
		map[string]any{"items": []any{float64(1), float64(2), float64(3)}},
		map[string]string{"API_KEY": "sk-1"})
}

func runScript(t *testing.T, src string, extra map[string]any) (*wfcontext.Result, error) {
	t.Helper()
	logic := map[string]any{"code_source": src}
	for k, v := range extra {
		logic[k] = v
	}
	return Code().Execute(context.Background(), codeContext(), &block.Block{ID: "c1", Logic: logic})
}

func TestCodeLastExpressionIsOutput(t *testing.T) {
	res, err := runScript(t, `state.items.map(function(x) { return x * event.n; })`, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(5), float64(10), float64(15)}, res.StateDelta["code_result"])
}

func TestCodeReadsSecrets(t *testing.T) {
	res, err := runScript(t, `secrets.API_KEY.length`, map[string]any{"bind_to": "$state.key_len"})
	require.NoError(t, err)
	assert.Equal(t, float64(4), res.StateDelta["key_len"])
}

func TestCodeStateIsFrozen(t *testing.T) {
	wctx := codeContext()
	_, err := Code().Execute(context.Background(), wctx, &block.Block{Logic: map[string]any{
		"code_source": `state.items = []; state.injected = true; state.items`,
	}})
	require.NoError(t, err)
	// live context unchanged: scripts only saw a frozen copy
	assert.Len(t, wctx.State["items"], 3)
	assert.NotContains(t, wctx.State, "injected")
}

func TestCodeUncaughtExceptionIsSandboxError(t *testing.T) {
	_, err := runScript(t, `throw new Error("kaboom")`, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSandbox, errors.Classify(err))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCodeTimeoutInterruptsScript(t *testing.T) {
	start := time.Now()
	_, err := runScript(t, `while (true) {}`, map[string]any{"code_timeout_ms": 50})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.Classify(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCodeCancellationInterruptsScript(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Code().Execute(ctx, codeContext(), &block.Block{Logic: map[string]any{
		"code_source": `while (true) {}`,
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.Classify(err))
}

func TestCodeNetworkDisabledByDefault(t *testing.T) {
	_, err := runScript(t, `httpGet("http://example.com/")`, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSandbox, errors.Classify(err))
}

func TestCodeOutputSizeCap(t *testing.T) {
	_, err := runScript(t, `"x".repeat(2 * 1024 * 1024)`, map[string]any{"code_memory_limit_mb": 1})
	require.Error(t, err)
	assert.Equal(t, errors.CodeSandbox, errors.Classify(err))
}

func TestCodeUndefinedResultIsNil(t *testing.T) {
	res, err := runScript(t, `var unused = 1;`, nil)
	require.NoError(t, err)
	assert.Nil(t, res.StateDelta["code_result"])
}

func TestCodeMissingSource(t *testing.T) {
	_, err := Code().Execute(context.Background(), codeContext(), &block.Block{Logic: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}
