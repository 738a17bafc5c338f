package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/adapter"
	"github.com/tombee/cascade/internal/secrets"
	"github.com/tombee/cascade/internal/service/backend"
	"github.com/tombee/cascade/internal/service/broadcast"
	"github.com/tombee/cascade/internal/workflowstore"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

func newTestService(t *testing.T, defs map[string]string) *Service {
	return newTestServiceWithResolver(t, defs, nil)
}

func newTestServiceWithResolver(t *testing.T, defs map[string]string, resolver *secrets.Resolver) *Service {
	t.Helper()
	dir := t.TempDir()
	for name, content := range defs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	store := workflowstore.New(nil)
	require.NoError(t, store.LoadDir(dir))

	return New(store, backend.NewMemory(), adapter.Server(adapter.Options{FilesRoot: t.TempDir()}), resolver, nil, Config{
		RunTimeout:       5 * time.Second,
		PublicRunTimeout: 5 * time.Second,
		BlockTimeout:     2 * time.Second,
	})
}

func awaitStatus(t *testing.T, s *Service, runID string, want run.Status) *run.Run {
	t.Helper()
	var last *run.Run
	require.Eventually(t, func() bool {
		r, err := s.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		last = r
		return r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s (last: %+v)", runID, want, last)
	return last
}

const greeterDef = `
id: wf-greet
name: Greeter
public_slug: greet
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: hello
        type: string
        order: 0
        logic:
          string_template: "hello {{event.name}}"
          string_outputKey: greeting
`

func TestTriggerCompletesTrivialWorkflow(t *testing.T) {
	s := newTestService(t, map[string]string{"greet.yaml": greeterDef})

	r, err := s.Trigger(context.Background(), TriggerRequest{
		WorkflowID:  "wf-greet",
		TriggerType: "api",
		Event:       map[string]any{"name": "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, r.Status)

	final := awaitStatus(t, s, r.ID, run.StatusCompleted)
	assert.Equal(t, "hello ada", final.FinalState["greeting"])
	require.Len(t, final.Steps, 1)
	assert.Equal(t, run.StepCompleted, final.Steps[0].Status)
	assert.NotZero(t, final.DurationMs)
}

func TestSequencedBlocksShareState(t *testing.T) {
	def := `
id: wf-seq
name: Sequenced
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: seed
        type: object
        order: 0
        logic:
          object_values:
            user: "$event.name"
      - id: greet
        type: string
        order: 1
        logic:
          string_template: "hi {{user}}"
          string_outputKey: message
`
	s := newTestService(t, map[string]string{"seq.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-seq", Event: map[string]any{"name": "bo"}})
	require.NoError(t, err)

	final := awaitStatus(t, s, r.ID, run.StatusCompleted)
	assert.Equal(t, "hi bo", final.FinalState["message"])
	assert.Len(t, final.Steps, 2)
}

func TestCodeExceptionFailsRun(t *testing.T) {
	def := `
id: wf-boom
name: Boom
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: boom
        type: code
        order: 0
        logic:
          code_source: "throw new Error('kaboom')"
`
	s := newTestService(t, map[string]string{"boom.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-boom"})
	require.NoError(t, err)

	final := awaitStatus(t, s, r.ID, run.StatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, errors.CodeSandbox, final.Error.Code)
	assert.Contains(t, final.Error.Message, "kaboom")
}

func TestCancelStopsSleepingRun(t *testing.T) {
	def := `
id: wf-sleepy
name: Sleepy
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: nap
        type: sleep
        order: 0
        logic:
          sleep_duration_ms: 60000
`
	s := newTestService(t, map[string]string{"sleepy.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-sleepy"})
	require.NoError(t, err)
	awaitStatus(t, s, r.ID, run.StatusRunning)

	start := time.Now()
	status, err := s.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, status)

	final := awaitStatus(t, s, r.ID, run.StatusCancelled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NotNil(t, final.Error)
	assert.Equal(t, errors.CodeCancelled, final.Error.Code)
}

func TestCancelTerminalRunReportsStatus(t *testing.T) {
	s := newTestService(t, map[string]string{"greet.yaml": greeterDef})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-greet", Event: map[string]any{"name": "x"}})
	require.NoError(t, err)
	awaitStatus(t, s, r.ID, run.StatusCompleted)

	status, err := s.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)
}

func TestPauseAndResume(t *testing.T) {
	def := `
id: wf-form
name: Form flow
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: ask
        type: ui_form
        order: 0
        logic:
          title: "Your name"
      - id: greet
        type: string
        order: 1
        logic:
          string_template: "welcome {{formResult.name}}"
          string_outputKey: welcome
`
	s := newTestService(t, map[string]string{"form.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-form"})
	require.NoError(t, err)

	paused := awaitStatus(t, s, r.ID, run.StatusAwaitingAction)
	require.NotNil(t, paused.Paused)
	assert.Equal(t, "ask", paused.Paused.BlockID)
	assert.Equal(t, "Your name", paused.Paused.Prompt["title"])

	// The form step stays open until its action arrives.
	require.Len(t, paused.Steps, 1)
	assert.Equal(t, run.StepRunning, paused.Steps[0].Status)
	assert.Nil(t, paused.Steps[0].FinishedAt)

	_, err = s.SubmitAction(context.Background(), r.ID, map[string]any{
		"formResult": map[string]any{"name": "ada"},
	})
	require.NoError(t, err)

	final := awaitStatus(t, s, r.ID, run.StatusCompleted)
	assert.Equal(t, "welcome ada", final.FinalState["welcome"])
	assert.Nil(t, final.Paused)

	// Submitting the action closed the form step.
	require.NotEmpty(t, final.Steps)
	assert.Equal(t, run.StepCompleted, final.Steps[0].Status)
	assert.NotNil(t, final.Steps[0].FinishedAt)

	// Orders keep increasing across the pause boundary.
	require.Len(t, final.Steps, 2)
	for idx := range final.Steps {
		assert.Equal(t, idx, final.Steps[idx].ExecutionOrder)
	}
}

func TestSubmitActionRequiresAwaiting(t *testing.T) {
	s := newTestService(t, map[string]string{"greet.yaml": greeterDef})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-greet", Event: map[string]any{"name": "x"}})
	require.NoError(t, err)
	awaitStatus(t, s, r.ID, run.StatusCompleted)

	_, err = s.SubmitAction(context.Background(), r.ID, map[string]any{"k": "v"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeActionFailed, errors.Classify(err))
}

func TestConcurrentSubmitActionsResumeOnce(t *testing.T) {
	def := `
id: wf-race
org_id: org-1
name: race
enabled: true
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: ask
        type: ui_form
        order: 0
        logic:
          title: "Confirm?"
      - id: done
        type: string
        order: 1
        logic:
          string_template: "resumed"
          string_outputKey: out
`
	s := newTestService(t, map[string]string{"race.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-race"})
	require.NoError(t, err)
	awaitStatus(t, s, r.ID, run.StatusAwaitingAction)

	// Many submitters race for the same paused run; only one may win and
	// spawn the resume task.
	const submitters = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SubmitAction(context.Background(), r.ID, map[string]any{
				"formResult": map[string]any{"ok": true},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.Equal(t, errors.CodeActionFailed, errors.Classify(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	final := awaitStatus(t, s, r.ID, run.StatusCompleted)
	assert.Equal(t, "resumed", final.FinalState["out"])
}

func TestFetchLoopbackBlocked(t *testing.T) {
	def := `
id: wf-ssrf
name: Loopback fetch
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: hit
        type: fetch
        order: 0
        logic:
          fetch_url: "http://127.0.0.1:9/admin"
`
	s := newTestService(t, map[string]string{"ssrf.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-ssrf"})
	require.NoError(t, err)

	final := awaitStatus(t, s, r.ID, run.StatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, errors.CodeSSRFBlocked, final.Error.Code)
}

func TestTriggerDisabledWorkflow(t *testing.T) {
	def := `
id: wf-off
name: Disabled
enabled: false
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: a
        type: object
        order: 0
        logic: {object_values: {}}
`
	s := newTestService(t, map[string]string{"off.yaml": def})

	_, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-off"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeWorkflowDisabled, errors.Classify(err))
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "nope"})
	assert.Equal(t, errors.CodeWorkflowNotFound, errors.Classify(err))
}

func TestPublicTriggerAllowed(t *testing.T) {
	s := newTestService(t, map[string]string{"greet.yaml": greeterDef})

	r, rl, err := s.TriggerPublic(context.Background(), PublicTriggerRequest{
		Slug:     "greet",
		Event:    map[string]any{"name": "anon"},
		ClientIP: "203.0.113.7",
	})
	require.NoError(t, err)
	assert.True(t, rl.Allowed)
	assert.True(t, r.Public)
	require.NotNil(t, r.PublicMeta)
	assert.Equal(t, "greet", r.PublicMeta.Slug)
	assert.Len(t, r.PublicMeta.IPHash, 16)

	final := awaitStatus(t, s, r.ID, run.StatusCompleted)
	assert.Equal(t, "hello anon", final.FinalState["greeting"])
}

func TestPublicTriggerRestrictedBlockType(t *testing.T) {
	def := `
id: wf-files
name: Files
public_slug: files
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: write
        type: filesystem
        order: 0
        logic:
          filesystem_operation: write
          filesystem_path: out.txt
          filesystem_content: hi
`
	s := newTestService(t, map[string]string{"files.yaml": def})

	_, _, err := s.TriggerPublic(context.Background(), PublicTriggerRequest{Slug: "files", ClientIP: "203.0.113.7"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRestrictedBlockType, errors.Classify(err))
}

func TestPublicTriggerRateLimited(t *testing.T) {
	def := `
id: wf-capped
name: Capped
public_slug: capped
public_rate_limit: 2
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: a
        type: object
        order: 0
        logic: {object_values: {}}
`
	s := newTestService(t, map[string]string{"capped.yaml": def})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, rl, err := s.TriggerPublic(ctx, PublicTriggerRequest{Slug: "capped", ClientIP: "203.0.113.7"})
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, 1-i, rl.Remaining)
	}

	_, rl, err := s.TriggerPublic(ctx, PublicTriggerRequest{Slug: "capped", ClientIP: "203.0.113.7"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRateLimited, errors.Classify(err))
	assert.False(t, rl.Allowed)
	assert.Positive(t, rl.RetryAfter)

	// A different client is unaffected.
	_, rl2, err := s.TriggerPublic(ctx, PublicTriggerRequest{Slug: "capped", ClientIP: "198.51.100.9"})
	require.NoError(t, err)
	assert.True(t, rl2.Allowed)
}

func TestRunCountersTrackOutcomes(t *testing.T) {
	def := `
id: wf-metered
name: Metered
public_slug: metered
public_rate_limit: 1
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: a
        type: object
        order: 0
        logic: {object_values: {tick: 1}}
`
	startedBefore := testutil.ToFloat64(runsStarted.WithLabelValues("private"))
	publicBefore := testutil.ToFloat64(runsStarted.WithLabelValues("public"))
	completedBefore := testutil.ToFloat64(runsFinished.WithLabelValues(string(run.StatusCompleted)))
	limitedBefore := testutil.ToFloat64(publicRateLimited)

	s := newTestService(t, map[string]string{"metered.yaml": def})
	ctx := context.Background()

	r, err := s.Trigger(ctx, TriggerRequest{WorkflowID: "wf-metered"})
	require.NoError(t, err)
	awaitStatus(t, s, r.ID, run.StatusCompleted)

	pub, _, err := s.TriggerPublic(ctx, PublicTriggerRequest{Slug: "metered", ClientIP: "203.0.113.7"})
	require.NoError(t, err)
	awaitStatus(t, s, pub.ID, run.StatusCompleted)

	_, _, err = s.TriggerPublic(ctx, PublicTriggerRequest{Slug: "metered", ClientIP: "203.0.113.7"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRateLimited, errors.Classify(err))

	assert.Equal(t, startedBefore+1, testutil.ToFloat64(runsStarted.WithLabelValues("private")))
	assert.Equal(t, publicBefore+1, testutil.ToFloat64(runsStarted.WithLabelValues("public")))
	assert.Equal(t, completedBefore+2, testutil.ToFloat64(runsFinished.WithLabelValues(string(run.StatusCompleted))))
	assert.Equal(t, limitedBefore+1, testutil.ToFloat64(publicRateLimited))
}

func TestLoopbackFetchCountsAsBlocked(t *testing.T) {
	def := `
id: wf-walled
name: Walled
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: hit
        type: fetch
        order: 0
        logic:
          fetch_url: "http://127.0.0.1:9/admin"
`
	blockedBefore := testutil.ToFloat64(ssrfBlocked)
	s := newTestService(t, map[string]string{"walled.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-walled"})
	require.NoError(t, err)
	awaitStatus(t, s, r.ID, run.StatusFailed)

	assert.Equal(t, blockedBefore+1, testutil.ToFloat64(ssrfBlocked))
}

func TestPublicRunsNeverSeeSecrets(t *testing.T) {
	t.Setenv("CASCADE_SECRET_API_KEY", "s3cr3t-value")
	def := `
id: wf-keyed
name: Keyed
public_slug: keyed
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: render
        type: string
        order: 0
        logic:
          string_template: "key is {{secrets.API_KEY}}"
          string_outputKey: out
`
	resolver := secrets.NewResolver(secrets.NewEnvProvider(""))
	s := newTestServiceWithResolver(t, map[string]string{"keyed.yaml": def}, resolver)
	ctx := context.Background()

	// Anonymous trigger: the secret reference renders empty.
	pub, _, err := s.TriggerPublic(ctx, PublicTriggerRequest{Slug: "keyed", ClientIP: "203.0.113.7"})
	require.NoError(t, err)
	final := awaitStatus(t, s, pub.ID, run.StatusCompleted)
	assert.Equal(t, "key is ", final.FinalState["out"])
	assert.NotContains(t, fmt.Sprint(final.FinalState), "s3cr3t-value")

	// The same workflow triggered privately resolves it.
	priv, err := s.Trigger(ctx, TriggerRequest{WorkflowID: "wf-keyed"})
	require.NoError(t, err)
	final = awaitStatus(t, s, priv.ID, run.StatusCompleted)
	assert.Equal(t, "key is s3cr3t-value", final.FinalState["out"])
}

func TestEventOrdering(t *testing.T) {
	def := `
id: wf-events
name: Events
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: nap
        type: sleep
        order: 0
        logic:
          sleep_duration_ms: 300
      - id: greet
        type: string
        order: 1
        logic:
          string_template: "done"
          string_outputKey: out
`
	s := newTestService(t, map[string]string{"events.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-events"})
	require.NoError(t, err)
	// The leading sleep keeps the run alive while we attach.
	sub := s.Broker().Subscribe(broadcast.ChannelPrivate(r.ID))
	defer sub.Close()

	deadline := time.After(5 * time.Second)
	var types []string
collect:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				break collect
			}
			types = append(types, ev.Type)
			if ev.Type == run.EventCompleted {
				break collect
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, run.EventCompleted, types[len(types)-1])
	stepEvents := 0
	for _, typ := range types {
		if typ == run.EventStep {
			stepEvents++
		}
	}
	assert.Equal(t, 2, stepEvents)
}

func TestDrainWaitsForActiveRuns(t *testing.T) {
	def := `
id: wf-short
name: Short nap
versions:
  - version: 1
    status: published
    trigger_type: api
    blocks:
      - id: nap
        type: sleep
        order: 0
        logic:
          sleep_duration_ms: 100
`
	s := newTestService(t, map[string]string{"short.yaml": def})

	r, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-short"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Drain(ctx)

	final, err := s.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)

	// New triggers are refused while draining.
	r2, err := s.Trigger(context.Background(), TriggerRequest{WorkflowID: "wf-short"})
	require.NoError(t, err)
	final2 := awaitStatus(t, s, r2.ID, run.StatusCancelled)
	assert.Equal(t, errors.CodeCancelled, final2.Error.Code)
}

func TestGenerateSlug(t *testing.T) {
	slug := GenerateSlug("Weather Digest!", func(string) bool { return false })
	assert.Regexp(t, `^weather-digest-[0-9a-f]{4}$`, slug)

	// Collisions on every base attempt fall back to a random slug.
	calls := 0
	slug = GenerateSlug("Weather Digest", func(s string) bool {
		calls++
		return calls <= slugAttempts
	})
	assert.Len(t, slug, slugFallbackLen)

	// Nameless workflows go straight to random.
	slug = GenerateSlug("!!!", func(string) bool { return false })
	assert.Len(t, slug, slugFallbackLen)
}

func TestHashIP(t *testing.T) {
	h := HashIP("203.0.113.7")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashIP("203.0.113.7"))
	assert.NotEqual(t, h, HashIP("203.0.113.8"))
}

func TestListRuns(t *testing.T) {
	s := newTestService(t, map[string]string{"greet.yaml": greeterDef})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := s.Trigger(ctx, TriggerRequest{WorkflowID: "wf-greet", Event: map[string]any{"name": fmt.Sprint(i)}})
		require.NoError(t, err)
		awaitStatus(t, s, r.ID, run.StatusCompleted)
	}

	runs, err := s.ListRuns(ctx, backend.Filter{WorkflowID: "wf-greet"})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}
