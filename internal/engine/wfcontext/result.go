package wfcontext

import "strings"

// Signal tells the interpreter what to do after a block completes.
type Signal string

const (
	// SignalNone continues to the next block in order.
	SignalNone Signal = ""
	// SignalGoto jumps to another block, immediately or deferred.
	SignalGoto Signal = "goto"
	// SignalPause suspends the run awaiting a user action.
	SignalPause Signal = "pause"
)

// Goto carries the jump parameters from a goto block.
type Goto struct {
	Target        string
	Defer         bool
	MaxConcurrent int
	LoopName      string
	MaxIterations int
}

// Result is what a block handler returns on success.
type Result struct {
	// StateDelta is shallow-merged into Context.State by the
	// interpreter. Keys map to values of any JSON-compatible type.
	StateDelta map[string]any

	// Signal directs control flow; zero value means fall through.
	Signal Signal

	// Goto is set when Signal is SignalGoto.
	Goto *Goto

	// Pause carries the UI payload when Signal is SignalPause.
	Pause map[string]any

	// Artifacts produced by the block, appended to the run.
	Artifacts []Artifact
}

// ApplyDelta shallow-merges a state delta into the context. Later keys
// win over earlier ones. Keys with a "__" prefix are reserved for
// in-band control and are never written into state.
func (c *Context) ApplyDelta(delta map[string]any) {
	for k, v := range delta {
		if strings.HasPrefix(k, "__") {
			continue
		}
		c.State[k] = v
	}
}
