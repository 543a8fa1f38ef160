package capability

import "context"

// Request describes one capability awaiting a user decision.
type Request struct {
	SkillID     string
	Capability  Capability
	Description string
	Escalated   bool
	IsBroad     bool
}

// Prompter collects interactive authorization decisions.
type Prompter interface {
	// IsInteractive reports whether a user is present to answer prompts.
	IsInteractive() bool
	// PromptForCapability asks for one decision. granted=false means deny
	// for this request only; always=true persists the grant.
	PromptForCapability(ctx context.Context, req Request) (granted bool, always bool, err error)
	// FormatNonInteractiveError explains what is missing and how to grant it
	// when no prompt can be shown.
	FormatNonInteractiveError(skillID string, missing Set) error
}

// GrantStore persists approval records between runs.
type GrantStore interface {
	Load() ([]ApprovalRecord, error)
	Save(records []ApprovalRecord) error
	ConfigPath() string
}
