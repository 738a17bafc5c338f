// Package block defines the workflow data model: blocks, workflow
// versions, and the typed views over a block's untyped logic options.
//
// A Block is an immutable declarative unit. Its Logic field is an
// untyped map as authored in the workflow definition; handlers access
// it through the typed views in logic.go, which are validated when an
// adapter registers its handlers rather than on every invocation.
package block

// Type identifies the handler a block dispatches to.
type Type string

// The closed set of block types.
const (
	TypeObject     Type = "object"
	TypeString     Type = "string"
	TypeArray      Type = "array"
	TypeMath       Type = "math"
	TypeDate       Type = "date"
	TypeNormalize  Type = "normalize"
	TypeFetch      Type = "fetch"
	TypeAgent      Type = "agent"
	TypeGoto       Type = "goto"
	TypeSleep      Type = "sleep"
	TypeCode       Type = "code"
	TypeLocation   Type = "location"
	TypeImage      Type = "image"
	TypeFilesystem Type = "filesystem"
	TypeFTP        Type = "ftp"
	TypeValidation Type = "validation"
	TypeVideo      Type = "video"
	TypeUICamera   Type = "ui_camera"
	TypeUIForm     Type = "ui_form"
	TypeUITable    Type = "ui_table"
	TypeUIDetails  Type = "ui_details"
)

// AllTypes lists every known block type in registration order.
var AllTypes = []Type{
	TypeObject, TypeString, TypeArray, TypeMath, TypeDate, TypeNormalize,
	TypeFetch, TypeAgent, TypeGoto, TypeSleep, TypeCode, TypeLocation,
	TypeImage, TypeFilesystem, TypeFTP, TypeValidation, TypeVideo,
	TypeUICamera, TypeUIForm, TypeUITable, TypeUIDetails,
}

// RequiredTypes are the types every platform adapter must register,
// either as real handlers or as unsupported stubs.
var RequiredTypes = []Type{
	TypeObject, TypeString, TypeArray, TypeMath, TypeDate, TypeNormalize,
	TypeFetch, TypeAgent, TypeGoto, TypeSleep, TypeLocation, TypeCode,
	TypeValidation, TypeVideo,
}

// publicAllowed is the block-type allowlist for unauthenticated runs.
var publicAllowed = map[Type]bool{
	TypeObject: true, TypeString: true, TypeArray: true, TypeMath: true,
	TypeDate: true, TypeNormalize: true, TypeFetch: true, TypeAgent: true,
	TypeCode: true, TypeGoto: true, TypeSleep: true, TypeValidation: true,
	TypeUIForm: true, TypeUITable: true, TypeUIDetails: true,
}

var known = func() map[Type]bool {
	m := make(map[Type]bool, len(AllTypes))
	for _, t := range AllTypes {
		m[t] = true
	}
	return m
}()

// Valid reports whether t is a known block type.
func (t Type) Valid() bool { return known[t] }

// IsUI reports whether t is an interactive block type that pauses the
// run on UI-capable platforms.
func (t Type) IsUI() bool {
	switch t {
	case TypeUICamera, TypeUIForm, TypeUITable, TypeUIDetails:
		return true
	default:
		return false
	}
}

// PublicAllowed reports whether t may appear in a workflow triggered
// through the unauthenticated public surface.
func (t Type) PublicAllowed() bool { return publicAllowed[t] }

// Error handling strategies for a failed block.
const (
	// OnErrorFailRun fails the run on the first block failure (default).
	OnErrorFailRun = "fail_run"
	// OnErrorContinue records the failure and proceeds to the next block.
	OnErrorContinue = "continue"
	// goto:<blockId> redirects to a recovery block; see Block.OnErrorGoto.
	onErrorGotoPrefix = "goto:"
)

// Block is an immutable declarative workflow step.
type Block struct {
	// ID is unique within a workflow version.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable label.
	Name string `json:"name" yaml:"name"`

	// Type selects the handler.
	Type Type `json:"type" yaml:"type"`

	// Logic holds the untyped option map authored in the definition.
	// Values may contain reference strings ($state.x, {{event.y}}).
	Logic map[string]any `json:"logic,omitempty" yaml:"logic,omitempty"`

	// Order is the block's position within its version.
	Order int `json:"order" yaml:"order"`

	// Condition is an optional guard expression. When it evaluates
	// false the block is skipped.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// OnError selects the recovery strategy: "fail_run" (default),
	// "continue", or "goto:<blockId>".
	OnError string `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// OnErrorGoto returns the recovery block ID when OnError is a
// "goto:<blockId>" directive, or "" otherwise.
func (b *Block) OnErrorGoto() string {
	if len(b.OnError) > len(onErrorGotoPrefix) && b.OnError[:len(onErrorGotoPrefix)] == onErrorGotoPrefix {
		return b.OnError[len(onErrorGotoPrefix):]
	}
	return ""
}
