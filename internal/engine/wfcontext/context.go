// Package wfcontext owns the mutable WorkflowContext threaded through a
// run: accumulated state, the per-run memoization cache, produced
// artifacts, resolved secrets, and loop counters.
//
// The interpreter is the sole writer. Handlers receive the context and
// return a Result; they never assign into State directly. Reference
// strings ($state.x, $event.y, $secrets.n, {{path}}) are resolved by
// Resolve and ResolveDynamic in resolve.go.
package wfcontext

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RunMeta is the read-only run metadata exposed to handlers.
type RunMeta struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	VersionID   string    `json:"version_id"`
	Status      string    `json:"status"`
	TriggerType string    `json:"trigger_type"`
	StartedAt   time.Time `json:"started_at"`
	Platform    string    `json:"platform"`
	DeviceID    string    `json:"device_id,omitempty"`
}

// Artifact describes a file produced during a run. The artifact list is
// append-only for the lifetime of the run.
type Artifact struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	FilePath string         `json:"file_path,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LoopCounter tracks iterations of a named goto loop.
type LoopCounter struct {
	Index int `json:"index"`
}

// Context is the single mutable object threaded through a run.
type Context struct {
	// State accumulates handler outputs across blocks.
	State map[string]any

	// Event is the trigger payload.
	Event map[string]any

	// Secrets holds resolved key material; empty for public runs.
	Secrets map[string]string

	// Run is the run metadata.
	Run RunMeta

	// Artifacts is the append-only list of produced files.
	Artifacts []Artifact

	// Loops maps loop names to iteration counters.
	Loops map[string]*LoopCounter

	// Paths records branch-taken markers for analytics.
	Paths []string

	// cache is the ephemeral per-run memoization store.
	cache *gocache.Cache
}

// cacheTTL bounds cache entries to the practical lifetime of a run.
const cacheTTL = 30 * time.Minute

// New creates a fresh context for a run. initialState may be nil.
func New(meta RunMeta, event, initialState map[string]any, secrets map[string]string) *Context {
	state := make(map[string]any, len(initialState))
	for k, v := range initialState {
		state[k] = v
	}
	if event == nil {
		event = make(map[string]any)
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return &Context{
		State:   state,
		Event:   event,
		Secrets: secrets,
		Run:     meta,
		Loops:   make(map[string]*LoopCounter),
		cache:   gocache.New(cacheTTL, 0),
	}
}

// CacheSet stores a memoized value for the remainder of the run.
func (c *Context) CacheSet(key string, value any) {
	c.cache.Set(key, value, gocache.DefaultExpiration)
}

// CacheGet retrieves a memoized value.
func (c *Context) CacheGet(key string) (any, bool) {
	return c.cache.Get(key)
}

// AddArtifacts appends produced artifacts.
func (c *Context) AddArtifacts(artifacts ...Artifact) {
	c.Artifacts = append(c.Artifacts, artifacts...)
}

// MarkPath records that a branch was taken, for analytics.
func (c *Context) MarkPath(marker string) {
	c.Paths = append(c.Paths, marker)
}

// Loop returns the counter for a named loop, creating it at index 0.
func (c *Context) Loop(name string) *LoopCounter {
	lc, ok := c.Loops[name]
	if !ok {
		lc = &LoopCounter{}
		c.Loops[name] = lc
	}
	return lc
}

// Clone returns a context sharing the run metadata and secrets but with
// an independent shallow copy of state, loops, and paths. Deferred goto
// branches execute against clones so concurrent writes never alias the
// main sequence's maps.
func (c *Context) Clone() *Context {
	state := make(map[string]any, len(c.State))
	for k, v := range c.State {
		state[k] = v
	}
	loops := make(map[string]*LoopCounter, len(c.Loops))
	for k, v := range c.Loops {
		loops[k] = &LoopCounter{Index: v.Index}
	}
	clone := &Context{
		State:     state,
		Event:     c.Event,
		Secrets:   c.Secrets,
		Run:       c.Run,
		Artifacts: append([]Artifact(nil), c.Artifacts...),
		Loops:     loops,
		Paths:     append([]string(nil), c.Paths...),
		cache:     gocache.New(cacheTTL, 0),
	}
	for k, item := range c.cache.Items() {
		clone.cache.Set(k, item.Object, gocache.DefaultExpiration)
	}
	return clone
}
