package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{"memory": NewMemory(), "sqlite": sq}
}

func sampleRun(id string) *run.Run {
	started := time.Now().UTC().Truncate(time.Millisecond)
	return &run.Run{
		ID:          id,
		WorkflowID:  "wf-1",
		VersionID:   "wf-1@v1",
		Version:     1,
		Status:      run.StatusRunning,
		TriggerType: "api",
		Event:       map[string]any{"name": "ada"},
		CreatedAt:   started,
		StartedAt:   &started,
	}
}

func TestRunRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.CreateRun(ctx, sampleRun("r1")))

			got, err := b.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, run.StatusRunning, got.Status)
			assert.Equal(t, map[string]any{"name": "ada"}, got.Event)
			require.NotNil(t, got.StartedAt)

			finished := time.Now().UTC()
			got.Status = run.StatusCompleted
			got.FinalState = map[string]any{"greeting": "hello ada"}
			got.Steps = []run.Step{{ID: "s1", RunID: "r1", BlockID: "hello", Status: run.StepCompleted, ExecutionOrder: 3}}
			got.FinishedAt = &finished
			got.DurationMs = 42
			require.NoError(t, b.UpdateRun(ctx, got))

			again, err := b.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, run.StatusCompleted, again.Status)
			assert.Equal(t, "hello ada", again.FinalState["greeting"])
			require.Len(t, again.Steps, 1)
			assert.Equal(t, "hello", again.Steps[0].BlockID)
			assert.Equal(t, 3, again.Steps[0].ExecutionOrder)
			assert.EqualValues(t, 42, again.DurationMs)
		})
	}
}

func TestPausedStateSurvives(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("r2")
			r.Status = run.StatusAwaitingAction
			r.Paused = &run.PausedState{
				BlockID:    "ask",
				BlockIndex: 2,
				BlockType:  "ui_form",
				Prompt:     map[string]any{"title": "Your name"},
				Context:    []byte(`{"state":{"n":1}}`),
				PausedAt:   time.Now().UTC(),
			}
			require.NoError(t, b.CreateRun(ctx, r))

			got, err := b.GetRun(ctx, "r2")
			require.NoError(t, err)
			require.NotNil(t, got.Paused)
			assert.Equal(t, "ask", got.Paused.BlockID)
			assert.Equal(t, 2, got.Paused.BlockIndex)
			assert.JSONEq(t, `{"state":{"n":1}}`, string(got.Paused.Context))
		})
	}
}

func TestPublicMetaSurvives(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("r3")
			r.Public = true
			r.PublicMeta = &run.PublicMeta{Slug: "greet", IPHash: "abcdef0123456789", Anonymous: true}
			require.NoError(t, b.CreateRun(ctx, r))

			got, err := b.GetRun(ctx, "r3")
			require.NoError(t, err)
			assert.True(t, got.Public)
			require.NotNil(t, got.PublicMeta)
			assert.Equal(t, "greet", got.PublicMeta.Slug)
			assert.True(t, got.PublicMeta.Anonymous)
		})
	}
}

func TestGetRunNotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.GetRun(context.Background(), "missing")
			assert.Equal(t, errors.CodeRunNotFound, errors.Classify(err))
		})
	}
}

func TestListRunsFiltered(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r1 := sampleRun("ra")
			r2 := sampleRun("rb")
			r2.WorkflowID = "wf-2"
			r2.CreatedAt = r1.CreatedAt.Add(time.Second)
			r3 := sampleRun("rc")
			r3.Status = run.StatusCompleted
			r3.CreatedAt = r1.CreatedAt.Add(2 * time.Second)
			for _, r := range []*run.Run{r1, r2, r3} {
				require.NoError(t, b.CreateRun(ctx, r))
			}

			all, err := b.ListRuns(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "rc", all[0].ID)

			byWorkflow, err := b.ListRuns(ctx, Filter{WorkflowID: "wf-2"})
			require.NoError(t, err)
			require.Len(t, byWorkflow, 1)
			assert.Equal(t, "rb", byWorkflow[0].ID)

			completed, err := b.ListRuns(ctx, Filter{Status: run.StatusCompleted})
			require.NoError(t, err)
			require.Len(t, completed, 1)

			limited, err := b.ListRuns(ctx, Filter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestPublicHitWindow(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, b.RecordPublicHit(ctx, "greet", "hash1", now.Add(-90*time.Second)))
			require.NoError(t, b.RecordPublicHit(ctx, "greet", "hash1", now.Add(-30*time.Second)))
			require.NoError(t, b.RecordPublicHit(ctx, "greet", "hash1", now))
			require.NoError(t, b.RecordPublicHit(ctx, "greet", "hash2", now))
			require.NoError(t, b.RecordPublicHit(ctx, "other", "hash1", now))

			n, err := b.CountPublicHits(ctx, "greet", "hash1", now.Add(-time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}
