// Package gatekeeper handles capability authorization: loads stored approval
// records, diffs against the requested set, prompts for what is missing,
// persists always-decisions, and applies the global tool mode as the final
// veto.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/capability/grantstore"
)

// SecurityLevel controls the gatekeeper's prompting behavior.
type SecurityLevel string

const (
	SecurityStrict     SecurityLevel = "strict"
	SecurityStandard   SecurityLevel = "standard"
	SecurityPermissive SecurityLevel = "permissive"
)

// Gatekeeper resolves authorization for capability sets: stored records
// first, interactive prompts for the rest, tool mode last.
type Gatekeeper struct {
	store         capability.GrantStore
	prompter      capability.Prompter
	securityLevel SecurityLevel
	mode          capability.Mode
	autoGrant     bool
	promptTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex    // guards store reads and writes
	promptSem chan struct{} // serializes interactive prompts, acquired with ctx
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithStore sets the approval record store.
func WithStore(s capability.GrantStore) Option {
	return func(g *Gatekeeper) { g.store = s }
}

// WithPrompter sets the prompter.
func WithPrompter(p capability.Prompter) Option {
	return func(g *Gatekeeper) { g.prompter = p }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithMode sets the global tool mode.
func WithMode(m capability.Mode) Option {
	return func(g *Gatekeeper) { g.mode = m }
}

// WithAutoGrant grants every declared capability without prompting.
// Escalated requests still prompt.
func WithAutoGrant(auto bool) Option {
	return func(g *Gatekeeper) { g.autoGrant = auto }
}

// WithPromptTimeout bounds how long one interactive prompt may wait.
func WithPromptTimeout(d time.Duration) Option {
	return func(g *Gatekeeper) { g.promptTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = l }
}

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

// NewGatekeeper creates a capability gatekeeper with pluggable store and
// prompter.
func NewGatekeeper(opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		securityLevel: SecurityStandard,
		mode:          capability.ModeFull,
		promptTimeout: 2 * time.Minute,
		now:           time.Now,
		promptSem:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = grantstore.NewFileStore()
	}
	if g.prompter == nil {
		g.prompter = NewTerminalPrompter()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Authorize resolves a decision for every requested capability of one skill.
// Capabilities absent from the declared set are treated as escalations and
// authorized independently of any standing grant. The returned set is the
// caller's snapshot: later revocations do not touch a running session.
func (g *Gatekeeper) Authorize(ctx context.Context, skillID string, declared, requested capability.Set) (capability.Set, error) {
	requested = requested.Dedupe()
	if len(requested) == 0 {
		return capability.Set{}, nil
	}

	records, err := g.loadRecords()
	if err != nil {
		return nil, fmt.Errorf("load approval records: %w", err)
	}

	granted := make(capability.Set, 0, len(requested))
	var pending []capability.Request

	for _, c := range requested {
		escalated := !declared.Contains(c)

		if rec, ok := findRecord(records, skillID, c, escalated, g.now()); ok {
			switch rec.Decision {
			case capability.DecisionDeny:
				return nil, &capability.DeniedError{SkillID: skillID, Capability: c, Reason: "denied by saved policy"}
			case capability.DecisionAlways:
				granted = append(granted, c)
				continue
			}
			// DecisionOnce falls through to prompting.
		}

		if g.autoGrant && !escalated {
			g.logger.Warn("auto-granting capability without prompt",
				"skill", skillID,
				"capability", c.String())
			granted = append(granted, c)
			continue
		}

		pending = append(pending, capability.Request{
			SkillID:     skillID,
			Capability:  c,
			Description: describe(skillID, c, escalated),
			Escalated:   escalated,
			IsBroad:     c.IsBroad(),
		})
	}

	if len(pending) > 0 {
		resolved, err := g.promptAll(ctx, skillID, pending, &records)
		if err != nil {
			return nil, err
		}
		granted = append(granted, resolved...)
	}

	// Tool mode is the final veto, after per-skill authorization.
	for _, c := range granted {
		if !g.mode.Allows(c) {
			g.logger.Warn("capability vetoed by tool mode",
				"skill", skillID,
				"capability", c.String(),
				"mode", string(g.mode))
			return nil, &capability.DeniedError{SkillID: skillID, Capability: c, Reason: "blocked by read-only tool mode"}
		}
	}

	return granted.Dedupe(), nil
}

// promptAll resolves the pending requests interactively, persisting any
// always-decisions. records is updated in place so one Authorize call saves
// at most once.
func (g *Gatekeeper) promptAll(ctx context.Context, skillID string, pending []capability.Request, records *[]capability.ApprovalRecord) (capability.Set, error) {
	if !g.prompter.IsInteractive() {
		missing := make(capability.Set, 0, len(pending))
		for _, req := range pending {
			missing = append(missing, req.Capability)
		}
		return nil, fmt.Errorf("%w: %v", capability.ErrDenied, g.prompter.FormatNonInteractiveError(skillID, missing))
	}

	// One prompt at a time across all sessions; waiting respects ctx.
	select {
	case g.promptSem <- struct{}{}:
		defer func() { <-g.promptSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var granted capability.Set
	shouldSave := false

	for _, req := range pending {
		ok, always, err := g.evaluateWithSecurityLevel(ctx, req)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &capability.DeniedError{SkillID: skillID, Capability: req.Capability, Reason: "denied by user"}
		}
		granted = append(granted, req.Capability)
		if always {
			*records = upsertRecord(*records, capability.ApprovalRecord{
				SkillID:    skillID,
				Capability: req.Capability,
				Decision:   capability.DecisionAlways,
				Escalated:  req.Escalated,
				GrantedAt:  g.now(),
			})
			shouldSave = true
		}
	}

	if shouldSave {
		if err := g.saveRecords(*records); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save grants: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Permissions saved to %s\n", g.store.ConfigPath())
		}
	}

	return granted, nil
}

// evaluateWithSecurityLevel applies security level policy and prompts if
// needed.
func (g *Gatekeeper) evaluateWithSecurityLevel(ctx context.Context, req capability.Request) (bool, bool, error) {
	if req.IsBroad {
		switch g.securityLevel {
		case SecurityStrict:
			g.logger.Error("broad capability denied by security policy",
				"level", string(SecurityStrict),
				"skill", req.SkillID,
				"capability", req.Capability.String())
			return false, false, &capability.DeniedError{
				SkillID:    req.SkillID,
				Capability: req.Capability,
				Reason:     "broad capability denied by strict security policy",
			}

		case SecurityPermissive:
			g.logger.Warn("auto-granting broad capability (permissive mode)",
				"skill", req.SkillID,
				"capability", req.Capability.String())
			return true, false, nil
		}
	}

	if g.securityLevel == SecurityPermissive {
		return true, false, nil
	}

	promptCtx := ctx
	if g.promptTimeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, g.promptTimeout)
		defer cancel()
	}
	return g.prompter.PromptForCapability(promptCtx, req)
}

// SetDecision records an explicit policy for a (skill, capability) pair,
// replacing any previous record with the same scope.
func (g *Gatekeeper) SetDecision(skillID string, c capability.Capability, d capability.Decision, escalated bool, expires time.Time) error {
	if !d.Valid() {
		return fmt.Errorf("invalid decision %q", d)
	}
	records, err := g.loadRecords()
	if err != nil {
		return fmt.Errorf("load approval records: %w", err)
	}
	records = upsertRecord(records, capability.ApprovalRecord{
		SkillID:    skillID,
		Capability: c,
		Decision:   d,
		Escalated:  escalated,
		GrantedAt:  g.now(),
		ExpiresAt:  expires,
	})
	return g.saveRecords(records)
}

// Revoke removes every record for the (skill, capability) pair, both
// declared and escalated scope. The next session prompts again.
func (g *Gatekeeper) Revoke(skillID string, c capability.Capability) error {
	records, err := g.loadRecords()
	if err != nil {
		return fmt.Errorf("load approval records: %w", err)
	}
	kept := records[:0]
	for _, r := range records {
		if r.SkillID == skillID && r.Capability == c {
			continue
		}
		kept = append(kept, r)
	}
	return g.saveRecords(kept)
}

// RevokeSkill removes every record for the skill, used on uninstall.
func (g *Gatekeeper) RevokeSkill(skillID string) error {
	records, err := g.loadRecords()
	if err != nil {
		return fmt.Errorf("load approval records: %w", err)
	}
	kept := records[:0]
	for _, r := range records {
		if r.SkillID == skillID {
			continue
		}
		kept = append(kept, r)
	}
	return g.saveRecords(kept)
}

// Decisions lists the stored records for one skill.
func (g *Gatekeeper) Decisions(skillID string) ([]capability.ApprovalRecord, error) {
	records, err := g.loadRecords()
	if err != nil {
		return nil, err
	}
	var out []capability.ApprovalRecord
	for _, r := range records {
		if r.SkillID == skillID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Mode returns the gatekeeper's tool mode.
func (g *Gatekeeper) Mode() capability.Mode {
	return g.mode
}

func (g *Gatekeeper) loadRecords() ([]capability.ApprovalRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Load()
}

func (g *Gatekeeper) saveRecords(records []capability.ApprovalRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Save(records)
}

// findRecord returns the matching non-expired record, if any.
func findRecord(records []capability.ApprovalRecord, skillID string, c capability.Capability, escalated bool, now time.Time) (capability.ApprovalRecord, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if !r.Matches(skillID, c, escalated) {
			continue
		}
		if r.Expired(now) {
			continue
		}
		return r, true
	}
	return capability.ApprovalRecord{}, false
}

// upsertRecord replaces the record with the same (skill, capability, scope)
// key or appends a new one.
func upsertRecord(records []capability.ApprovalRecord, rec capability.ApprovalRecord) []capability.ApprovalRecord {
	for i, r := range records {
		if r.Matches(rec.SkillID, rec.Capability, rec.Escalated) {
			records[i] = rec
			return records
		}
	}
	return append(records, rec)
}

func describe(skillID string, c capability.Capability, escalated bool) string {
	if escalated {
		return fmt.Sprintf("%s requests undeclared capability %s", skillID, c)
	}
	return fmt.Sprintf("%s requests %s", skillID, c)
}
