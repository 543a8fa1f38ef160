package capability

import (
	"fmt"
	"time"

	"github.com/skillhost-dev/skillhost/hosterr"
)

// Decision is the outcome recorded for one (skill, capability) pair.
type Decision string

const (
	// DecisionAlways grants without prompting until explicitly revoked.
	DecisionAlways Decision = "always"
	// DecisionOnce grants a single session; the next session asks again.
	DecisionOnce Decision = "once"
	// DecisionDeny blocks without prompting until the user changes policy.
	DecisionDeny Decision = "deny"
)

// Valid reports whether d is a recognized decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAlways, DecisionOnce, DecisionDeny:
		return true
	}
	return false
}

// ApprovalRecord is one persisted authorization decision for a
// (skill, capability) pair. Escalated records are scoped to just-in-time
// requests and never satisfy a declared-set lookup, so a broad standing
// grant cannot silently cover an undeclared capability.
type ApprovalRecord struct {
	SkillID    string
	Capability Capability
	Decision   Decision
	Escalated  bool
	GrantedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the record has an expiry in the past.
func (r ApprovalRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Matches reports whether the record applies to the given lookup. The
// escalated flag must match exactly.
func (r ApprovalRecord) Matches(skillID string, c Capability, escalated bool) bool {
	return r.SkillID == skillID && r.Capability == c && r.Escalated == escalated
}

// Mode is the global tool mode, evaluated after per-skill authorization as
// the final veto.
type Mode string

const (
	ModeReadOnly Mode = "read-only"
	ModeFull     Mode = "full"
)

// ParseMode validates the string form of a tool mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReadOnly, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown tool mode %q", s)
}

// Allows reports whether the mode permits the capability's class.
func (m Mode) Allows(c Capability) bool {
	if m == ModeReadOnly {
		return c.Kind.Class() == ClassRead
	}
	return true
}

// ErrDenied is the sentinel matched by every authorization failure. It is
// the same value as hosterr.ErrCapabilityDenied, so denials match the host
// taxonomy wherever they surface.
var ErrDenied = hosterr.ErrCapabilityDenied

// DeniedError reports which capability was refused and why.
type DeniedError struct {
	SkillID    string
	Capability Capability
	Reason     string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability %s denied for skill %s: %s", e.Capability, e.SkillID, e.Reason)
}

// Is makes errors.Is(err, ErrDenied) match any DeniedError.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}
