// Package audit persists the host's security-relevant history: completed
// invocations, capability approval decisions, and health state transitions.
// The ledger is queried by the CLI's history views and the daemon's status
// output.
package audit

import (
	"context"
	"time"
)

// DefaultHistoryLimit bounds queries that pass no explicit limit.
const DefaultHistoryLimit = 50

// Invocation outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeCrashed = "crashed"
	OutcomeAborted = "aborted"
	OutcomeDenied  = "denied"
)

// Invocation is one completed task run.
type Invocation struct {
	ID        string
	SessionID string
	SkillID   string
	Outcome   string
	// Error is the failure detail for non-ok outcomes.
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Approval is one recorded authorization decision.
type Approval struct {
	ID         string
	SkillID    string
	Capability string
	Decision   string
	// Escalated marks just-in-time requests for capabilities outside the
	// declared set.
	Escalated bool
	DecidedAt time.Time
}

// HealthTransition is one observed state change of a skill process.
type HealthTransition struct {
	ID      string
	SkillID string
	From    string
	To      string
	Reason  string
	At      time.Time
}

// Ledger is the persistent audit trail. Record methods fill in missing ids
// and timestamps; queries return newest entries first and treat an empty
// skill id as "all skills".
type Ledger interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
	RecordApproval(ctx context.Context, a Approval) error
	RecordTransition(ctx context.Context, tr HealthTransition) error

	Invocations(ctx context.Context, skillID string, limit int) ([]Invocation, error)
	Approvals(ctx context.Context, skillID string, limit int) ([]Approval, error)
	Transitions(ctx context.Context, skillID string, limit int) ([]HealthTransition, error)

	Close() error
}
