package interpreter

import (
	"reflect"
	"sync"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/run"
)

// branchSet queues deferred goto branches during a sequence. Branches
// capture their context snapshot when the goto block dispatches, but
// only start executing once the main sequence yields. Each goto block
// gets its own concurrency gate sized by its max_concurrent setting,
// so two independent deferred gotos do not share a budget.
type branchSet struct {
	pending []pendingBranch
}

type pendingBranch struct {
	gotoID        string
	maxConcurrent int
	clone         *wfcontext.Context
	base          map[string]any
	baseArtifacts int
	fn            func(*wfcontext.Context) (*Outcome, error)
}

// branchResult captures what a finished branch changed. delta holds
// only the keys the branch added or rewrote relative to its snapshot.
type branchResult struct {
	delta     map[string]any
	steps     []run.Step
	artifacts []wfcontext.Artifact
	err       error
}

func newBranchSet() *branchSet {
	return &branchSet{}
}

// spawn queues one deferred branch. The clone is taken now, so later
// writes by the main sequence are not visible to the branch.
func (b *branchSet) spawn(gotoID string, maxConcurrent int, fn func(*wfcontext.Context) (*Outcome, error), parent *wfcontext.Context) {
	clone := parent.Clone()
	base := make(map[string]any, len(clone.State))
	for k, v := range clone.State {
		base[k] = v
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	b.pending = append(b.pending, pendingBranch{
		gotoID:        gotoID,
		maxConcurrent: maxConcurrent,
		clone:         clone,
		base:          base,
		baseArtifacts: len(clone.Artifacts),
		fn:            fn,
	})
}

// join executes every queued branch concurrently within its gate and
// merges each branch's delta into the parent context in dispatch
// order, regardless of which branch finished first. Last writer wins
// on overlapping keys, so the merge is deterministic for a given
// workflow. Returns the accumulated steps plus the first branch
// failure, if any.
func (b *branchSet) join(parent *wfcontext.Context) ([]run.Step, error) {
	if len(b.pending) == 0 {
		return nil, nil
	}

	gates := make(map[string]chan struct{})
	for _, p := range b.pending {
		if _, ok := gates[p.gotoID]; !ok {
			gates[p.gotoID] = make(chan struct{}, p.maxConcurrent)
		}
	}

	// Indexed by dispatch position; each goroutine owns its slot.
	results := make([]branchResult, len(b.pending))
	var wg sync.WaitGroup
	for idx, p := range b.pending {
		idx, p := idx, p
		gate := gates[p.gotoID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate <- struct{}{}
			defer func() { <-gate }()

			outcome, err := p.fn(p.clone)

			res := branchResult{err: err}
			if outcome != nil {
				res.steps = outcome.Steps
				res.delta = stateDiff(p.base, p.clone.State)
				if len(p.clone.Artifacts) > p.baseArtifacts {
					res.artifacts = append(res.artifacts, p.clone.Artifacts[p.baseArtifacts:]...)
				}
			}
			results[idx] = res
		}()
	}
	wg.Wait()
	b.pending = nil

	var steps []run.Step
	var firstErr error
	for _, res := range results {
		steps = append(steps, res.steps...)
		parent.ApplyDelta(res.delta)
		parent.AddArtifacts(res.artifacts...)
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	return steps, firstErr
}

// stateDiff returns the keys of after that are absent from or unequal
// to their value in base.
func stateDiff(base, after map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, v := range after {
		old, ok := base[k]
		if !ok || !reflect.DeepEqual(old, v) {
			delta[k] = v
		}
	}
	return delta
}
