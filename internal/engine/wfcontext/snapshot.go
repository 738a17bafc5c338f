package wfcontext

import (
	gocache "github.com/patrickmn/go-cache"
)

// Snapshot is the serializable portion of a context, captured when a
// run pauses on a UI block and restored on resume. Secrets are never
// snapshotted; they are re-resolved when the run resumes.
type Snapshot struct {
	State     map[string]any          `json:"state"`
	Event     map[string]any          `json:"event"`
	Cache     map[string]any          `json:"cache,omitempty"`
	Artifacts []Artifact              `json:"artifacts,omitempty"`
	Loops     map[string]*LoopCounter `json:"loops,omitempty"`
	Paths     []string                `json:"paths,omitempty"`
}

// Snapshot captures the serializable state of the context.
func (c *Context) Snapshot() *Snapshot {
	snap := &Snapshot{
		State:     make(map[string]any, len(c.State)),
		Event:     c.Event,
		Artifacts: append([]Artifact(nil), c.Artifacts...),
		Loops:     make(map[string]*LoopCounter, len(c.Loops)),
		Paths:     append([]string(nil), c.Paths...),
	}
	for k, v := range c.State {
		snap.State[k] = v
	}
	for k, v := range c.Loops {
		snap.Loops[k] = &LoopCounter{Index: v.Index}
	}
	if items := c.cache.Items(); len(items) > 0 {
		snap.Cache = make(map[string]any, len(items))
		for k, item := range items {
			snap.Cache[k] = item.Object
		}
	}
	return snap
}

// Rehydrate reconstructs a context from a snapshot. Fresh run metadata
// and secrets are supplied by the caller.
func Rehydrate(meta RunMeta, snap *Snapshot, secrets map[string]string) *Context {
	c := New(meta, snap.Event, snap.State, secrets)
	c.Artifacts = append([]Artifact(nil), snap.Artifacts...)
	c.Paths = append([]string(nil), snap.Paths...)
	for k, v := range snap.Loops {
		c.Loops[k] = &LoopCounter{Index: v.Index}
	}
	for k, v := range snap.Cache {
		c.cache.Set(k, v, gocache.DefaultExpiration)
	}
	return c
}
