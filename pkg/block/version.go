package block

import (
	"fmt"
	"sort"
)

// TriggerType identifies how a run was started.
type TriggerType string

const (
	TriggerInteractive TriggerType = "interactive"
	TriggerAPI         TriggerType = "api"
	TriggerSchedule    TriggerType = "schedule"
	TriggerHook        TriggerType = "hook"
	TriggerVision      TriggerType = "vision"
)

// Environment identifies where a workflow version may execute.
type Environment string

const (
	EnvCloud   Environment = "cloud"
	EnvDesktop Environment = "desktop"
	EnvMobile  Environment = "mobile"
	EnvKiosk   Environment = "kiosk"
)

// VersionStatus is the publication state of a workflow version.
type VersionStatus string

const (
	StatusDraft     VersionStatus = "draft"
	StatusPublished VersionStatus = "published"
)

// WorkflowVersion is an ordered sequence of blocks plus trigger
// metadata. Versions are immutable once published.
type WorkflowVersion struct {
	ID                    string         `json:"id" yaml:"id"`
	WorkflowID            string         `json:"workflow_id" yaml:"workflow_id"`
	Version               int            `json:"version" yaml:"version"`
	TriggerType           TriggerType    `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig         map[string]any `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	ExecutionEnvironments []Environment  `json:"execution_environments,omitempty" yaml:"execution_environments,omitempty"`
	Status                VersionStatus  `json:"status" yaml:"status"`
	Blocks                []Block        `json:"blocks" yaml:"blocks"`
}

// Workflow is the outer entity a trigger addresses.
type Workflow struct {
	ID      string `json:"id" yaml:"id"`
	OrgID   string `json:"org_id" yaml:"org_id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// PublicSlug is set when the workflow is exposed on the
	// unauthenticated surface.
	PublicSlug string `json:"public_slug,omitempty" yaml:"public_slug,omitempty"`

	// PublicRateLimit overrides the default public trigger cap
	// (requests per minute). Zero means the service default.
	PublicRateLimit int `json:"public_rate_limit,omitempty" yaml:"public_rate_limit,omitempty"`
}

// SortBlocks orders the version's blocks by their declared Order.
// The sort is stable so equal orders keep definition order.
func (v *WorkflowVersion) SortBlocks() {
	Sort(v.Blocks)
}

// FindBlock returns the index of the first block with the given ID, or
// -1 when no block matches.
func (v *WorkflowVersion) FindBlock(id string) int {
	return Find(v.Blocks, id)
}

// Sort orders a block slice by declared Order, stable on ties.
func Sort(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Order < blocks[j].Order
	})
}

// Find returns the index of the first block with the given ID, or -1.
func Find(blocks []Block, id string) int {
	for i := range blocks {
		if blocks[i].ID == id {
			return i
		}
	}
	return -1
}

// Validate checks structural soundness: non-empty IDs, unique IDs,
// known block types, and parseable logic for types with typed views.
func (v *WorkflowVersion) Validate() error {
	seen := make(map[string]bool, len(v.Blocks))
	for i := range v.Blocks {
		b := &v.Blocks[i]
		if b.ID == "" {
			return fmt.Errorf("block at index %d has no id", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate block id %q", b.ID)
		}
		seen[b.ID] = true
		if !b.Type.Valid() {
			return fmt.Errorf("block %q has unknown type %q", b.ID, b.Type)
		}
		if err := validateLogic(b); err != nil {
			return fmt.Errorf("block %q: %w", b.ID, err)
		}
	}
	return nil
}

// RestrictedTypes returns the types present in the version that are not
// on the public allowlist.
func (v *WorkflowVersion) RestrictedTypes() []Type {
	var out []Type
	seen := make(map[Type]bool)
	for i := range v.Blocks {
		t := v.Blocks[i].Type
		if !t.PublicAllowed() && !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}

// validateLogic parses the typed view for types that declare one, so
// malformed options fail at load time rather than mid-run.
func validateLogic(b *Block) error {
	switch b.Type {
	case TypeFetch:
		_, err := ParseFetchLogic(b.Logic)
		return err
	case TypeGoto:
		_, err := ParseGotoLogic(b.Logic)
		return err
	case TypeCode:
		_, err := ParseCodeLogic(b.Logic)
		return err
	default:
		return nil
	}
}
