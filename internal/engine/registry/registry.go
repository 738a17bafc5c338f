// Package registry maps block types to their handlers for a platform
// adapter. The closed set of types lives in pkg/block; each adapter
// registers handlers for the subset its platform can execute and
// unsupported stubs for the rest, so resolution always distinguishes
// "unknown type" from "known but unavailable here".
package registry

import (
	"context"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// Handler executes a single block against the run context.
//
// Handlers return a Result on success and never mutate the context's
// state directly; the interpreter applies the returned delta. A nil
// Result with a nil error is treated as an empty delta.
type Handler interface {
	// Execute runs the block. ctx carries the per-block deadline.
	Execute(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
	return f(ctx, wctx, blk)
}

// Capabilities describes what a platform adapter can physically do.
// Adapters consult this when deciding which handlers to register.
type Capabilities struct {
	HasFilesystem bool
	HasFtp        bool
	HasCamera     bool
	HasVideo      bool
	HasLocation   bool
	HasUI         bool
}

// Registry holds the type-to-handler table for one platform adapter.
// It is populated at startup and read-only afterwards, so lookups need
// no locking.
type Registry struct {
	handlers map[block.Type]Handler
	caps     Capabilities
	platform string
}

// New creates an empty registry for the named platform.
func New(platform string, caps Capabilities) *Registry {
	return &Registry{
		handlers: make(map[block.Type]Handler),
		caps:     caps,
		platform: platform,
	}
}

// Register binds a handler to a block type, replacing any previous
// binding.
func (r *Registry) Register(t block.Type, h Handler) {
	r.handlers[t] = h
}

// RegisterFunc binds a function handler to a block type.
func (r *Registry) RegisterFunc(t block.Type, f HandlerFunc) {
	r.handlers[t] = f
}

// RegisterUnsupported binds a stub that fails with
// CAPABILITY_UNAVAILABLE, for types the platform cannot execute.
func (r *Registry) RegisterUnsupported(t block.Type) {
	platform := r.platform
	r.handlers[t] = HandlerFunc(func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		return nil, &errors.CapabilityError{BlockType: string(t), Platform: platform}
	})
}

// RegisterPassthrough binds a no-op handler that succeeds with an empty
// delta. Used for types that are meaningful to other surfaces (for
// example UI rendering hints on a headless worker).
func (r *Registry) RegisterPassthrough(t block.Type) {
	r.handlers[t] = HandlerFunc(func(context.Context, *wfcontext.Context, *block.Block) (*wfcontext.Result, error) {
		return &wfcontext.Result{}, nil
	})
}

// Resolve returns the handler for a block type.
func (r *Registry) Resolve(t block.Type) (Handler, error) {
	if !t.Valid() {
		return nil, &errors.FlowError{
			ErrCode: errors.CodeUnknownBlockType,
			Message: "unknown block type: " + string(t),
		}
	}
	h, ok := r.handlers[t]
	if !ok {
		return nil, &errors.CapabilityError{BlockType: string(t), Platform: r.platform}
	}
	return h, nil
}

// Has reports whether a handler (including stubs) is registered.
func (r *Registry) Has(t block.Type) bool {
	_, ok := r.handlers[t]
	return ok
}

// Platform returns the adapter platform name.
func (r *Registry) Platform() string {
	return r.platform
}

// Capabilities returns the platform capability set.
func (r *Registry) Capabilities() Capabilities {
	return r.caps
}

// Types returns the registered block types, for diagnostics.
func (r *Registry) Types() []block.Type {
	out := make([]block.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
