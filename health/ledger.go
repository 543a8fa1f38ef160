package health

import (
	"sync"
	"time"
)

// DefaultLedgerDepth bounds how many entries of each kind the ledger keeps
// per skill. Long-term history belongs to the audit store; this trail exists
// for escalation decisions and diagnostics.
const DefaultLedgerDepth = 64

// Outcome is one recorded probe.
type Outcome struct {
	Result  Result        `json:"result"`
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}

// Ledger accumulates probe outcomes, forced restarts, and crash records per
// skill, bounded in memory.
type Ledger struct {
	mu       sync.Mutex
	depth    int
	outcomes map[string][]Outcome
	restarts map[string][]time.Time
	crashes  map[string][]time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithDepth sets how many entries of each kind are retained per skill.
func WithDepth(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.depth = n
		}
	}
}

// NewLedger builds an empty ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		depth:    DefaultLedgerDepth,
		outcomes: make(map[string][]Outcome),
		restarts: make(map[string][]time.Time),
		crashes:  make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one probe outcome.
func (l *Ledger) Record(skillID string, o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes[skillID] = capTail(append(l.outcomes[skillID], o), l.depth)
}

// RecordRestart notes a monitor-forced restart.
func (l *Ledger) RecordRestart(skillID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restarts[skillID] = capTail(append(l.restarts[skillID], at), l.depth)
}

// RecordCrash notes an unexpected process exit observed by a session.
func (l *Ledger) RecordCrash(skillID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.crashes[skillID] = capTail(append(l.crashes[skillID], at), l.depth)
}

// History returns the retained probe outcomes, oldest first.
func (l *Ledger) History(skillID string) []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outcome, len(l.outcomes[skillID]))
	copy(out, l.outcomes[skillID])
	return out
}

// RestartsWithin counts forced restarts at or after now-window.
func (l *Ledger) RestartsWithin(skillID string, window time.Duration, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return countSince(l.restarts[skillID], now.Add(-window))
}

// CrashesWithin counts recorded crashes at or after now-window.
func (l *Ledger) CrashesWithin(skillID string, window time.Duration, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return countSince(l.crashes[skillID], now.Add(-window))
}

// Forget drops all records for a skill.
func (l *Ledger) Forget(skillID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.outcomes, skillID)
	delete(l.restarts, skillID)
	delete(l.crashes, skillID)
}

func capTail[T any](s []T, depth int) []T {
	if len(s) <= depth {
		return s
	}
	return append(s[:0], s[len(s)-depth:]...)
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}
