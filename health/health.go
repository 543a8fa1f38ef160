// Package health probes live supervisors on a fixed schedule and drives the
// restart and quarantine policy from what it observes. The monitor only ever
// probes Ready processes: Busy means a task is flowing (liveness is evident)
// and a handshake in flight must not be disturbed.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skillhost-dev/skillhost/protocol"
	"github.com/skillhost-dev/skillhost/supervisor"
)

// Probe schedule and budgets.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultSoftBudget    = 5 * time.Second
	DefaultHardBudget    = 10 * time.Second

	// DefaultRestartThreshold is how many consecutive unresponsive probes
	// force a restart.
	DefaultRestartThreshold = 3

	// DefaultQuarantineRestarts forced restarts within
	// DefaultQuarantineWindow escalate the skill to quarantine.
	DefaultQuarantineRestarts = 3
	DefaultQuarantineWindow   = 10 * time.Minute
)

// Result classifies one probe.
type Result string

const (
	ResultOK           Result = "ok"
	ResultSlow         Result = "slow"
	ResultUnresponsive Result = "unresponsive"
)

func severity(r Result) int {
	switch r {
	case ResultSlow:
		return 1
	case ResultUnresponsive:
		return 2
	default:
		return 0
	}
}

// Status is the host-facing health view of one skill: the worst probe result
// across its live processes from the most recent sweep.
type Status struct {
	SkillID     string        `json:"skill_id"`
	Result      Result        `json:"result"`
	State       string        `json:"state"`
	Latency     time.Duration `json:"latency"`
	CheckedAt   time.Time     `json:"checked_at"`
	Consecutive int           `json:"consecutive_failures"`
}

// Target is the slice of a supervisor the monitor needs. *supervisor.Supervisor
// satisfies it.
type Target interface {
	SkillID() string
	State() supervisor.State
	Err() error
	Call(ctx context.Context, method string, params, result any) error
	Restart(ctx context.Context) error
	MarkProbe(t time.Time)
}

// probeState is the monitor's per-process bookkeeping. Consecutive failures
// belong to a process, not a skill; a pool sibling answering probes says
// nothing about its stuck neighbour.
type probeState struct {
	consecutive int
	last        Status
}

// Monitor sweeps all live supervisors on a fixed interval.
type Monitor struct {
	list      func() []Target
	interval  time.Duration
	soft      time.Duration
	hard      time.Duration
	threshold int

	quarRestarts int
	quarWindow   time.Duration

	ledger       *Ledger
	onQuarantine func(skillID string, reason error)
	onTransition func(Status)
	logger       *slog.Logger
	cron         *cron.Cron

	// sweepMu serializes sweeps; probeState fields are only touched under it.
	sweepMu sync.Mutex

	mu          sync.Mutex
	started     bool
	probes      map[Target]*probeState
	statuses    map[string]Status
	quarantined map[string]bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBudgets sets the soft and hard probe deadlines. Within soft is ok,
// within hard is slow, beyond hard is unresponsive.
func WithBudgets(soft, hard time.Duration) MonitorOption {
	return func(m *Monitor) {
		if soft > 0 {
			m.soft = soft
		}
		if hard > soft {
			m.hard = hard
		}
	}
}

// WithRestartThreshold sets how many consecutive unresponsive probes force
// a restart.
func WithRestartThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithQuarantinePolicy sets how many forced restarts within the window
// escalate a skill to quarantine.
func WithQuarantinePolicy(restarts int, window time.Duration) MonitorOption {
	return func(m *Monitor) {
		if restarts > 0 {
			m.quarRestarts = restarts
		}
		if window > 0 {
			m.quarWindow = window
		}
	}
}

// WithLedger injects a shared probe ledger.
func WithLedger(l *Ledger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.ledger = l
		}
	}
}

// WithOnQuarantine sets the escalation callback. Fired at most once per
// skill until Forget clears it; the callee owns registry state and teardown.
func WithOnQuarantine(fn func(skillID string, reason error)) MonitorOption {
	return func(m *Monitor) { m.onQuarantine = fn }
}

// WithOnTransition is fired whenever a skill's probe result changes.
func WithOnTransition(fn func(Status)) MonitorOption {
	return func(m *Monitor) { m.onTransition = fn }
}

// WithMonitorLogger sets the structured logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor builds a Monitor over list, which is re-evaluated on every
// sweep so pools may grow and shrink underneath it.
func NewMonitor(list func() []Target, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		list:         list,
		interval:     DefaultProbeInterval,
		soft:         DefaultSoftBudget,
		hard:         DefaultHardBudget,
		threshold:    DefaultRestartThreshold,
		quarRestarts: DefaultQuarantineRestarts,
		quarWindow:   DefaultQuarantineWindow,
		ledger:       NewLedger(),
		logger:       slog.Default(),
		probes:       make(map[Target]*probeState),
		statuses:     make(map[string]Status),
		quarantined:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})))
	return m
}

// Start arms the sweep schedule. Sweeps run until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("health monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}
	m.cron.Start()
	m.logger.Info("health monitor started", "interval", m.interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	select {
	case <-m.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ledger exposes the probe trail for history queries.
func (m *Monitor) Ledger() *Ledger { return m.ledger }

// Health reports the last sweep's view of one skill.
func (m *Monitor) Health(skillID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[skillID]
	return st, ok
}

// Snapshot reports the last sweep's view of every tracked skill.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	return out
}

// Quarantined reports whether the monitor escalated skillID.
func (m *Monitor) Quarantined(skillID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined[skillID]
}

// Forget drops all monitor state for a skill. Called when a skill is
// removed or re-enabled after quarantine.
func (m *Monitor) Forget(skillID string) {
	m.mu.Lock()
	delete(m.statuses, skillID)
	delete(m.quarantined, skillID)
	for t := range m.probes {
		if t.SkillID() == skillID {
			delete(m.probes, t)
		}
	}
	m.mu.Unlock()
	m.ledger.Forget(skillID)
}

// Sweep probes every listed target once. Exported so callers can force a
// probe pass outside the schedule.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	targets := m.list()
	seen := make(map[Target]bool, len(targets))
	bySkill := make(map[string]Status, len(targets))

	for _, t := range targets {
		seen[t] = true
		st := m.probeOne(ctx, t)
		if cur, ok := bySkill[st.SkillID]; !ok || severity(st.Result) > severity(cur.Result) {
			bySkill[st.SkillID] = st
		}
	}

	var transitions []Status
	m.mu.Lock()
	for t := range m.probes {
		if !seen[t] {
			delete(m.probes, t)
		}
	}
	for id := range m.statuses {
		if _, ok := bySkill[id]; !ok {
			delete(m.statuses, id)
		}
	}
	for id, st := range bySkill {
		prev, had := m.statuses[id]
		m.statuses[id] = st
		if !had || prev.Result != st.Result {
			transitions = append(transitions, st)
		}
	}
	m.mu.Unlock()

	if m.onTransition != nil {
		for _, st := range transitions {
			m.onTransition(st)
		}
	}
}

func (m *Monitor) probeOne(ctx context.Context, t Target) Status {
	skill := t.SkillID()
	state := t.State()

	m.mu.Lock()
	ps := m.probes[t]
	if ps == nil {
		ps = &probeState{last: Status{SkillID: skill, Result: ResultOK}}
		m.probes[t] = ps
	}
	m.mu.Unlock()

	switch state {
	case supervisor.StateFailed:
		// Restarts exhausted. The supervisor will not come back on its own.
		cause := t.Err()
		if cause == nil {
			cause = errors.New("restarts exhausted")
		}
		m.quarantine(skill, cause)
		ps.last = Status{
			SkillID: skill, Result: ResultUnresponsive, State: state.String(),
			CheckedAt: time.Now(), Consecutive: ps.consecutive,
		}
		return ps.last

	case supervisor.StateReady:
		return m.probe(ctx, t, ps)

	default:
		// Busy processes are serving traffic, handshaking ones must not be
		// disturbed, and the rest are not probeable. Carry the last view.
		ps.last.State = state.String()
		return ps.last
	}
}

func (m *Monitor) probe(ctx context.Context, t Target, ps *probeState) Status {
	skill := t.SkillID()
	pctx, cancel := context.WithTimeout(ctx, m.hard)
	defer cancel()

	start := time.Now()
	var res protocol.HealthResult
	err := t.Call(pctx, protocol.MethodHealth, protocol.HealthParams{}, &res)
	latency := time.Since(start)
	t.MarkProbe(start)

	var result Result
	switch {
	case err != nil:
		result = ResultUnresponsive
		ps.consecutive++
		m.logger.Warn("health probe failed",
			"skill", skill, "consecutive", ps.consecutive, "error", err)
	case latency > m.soft:
		result = ResultSlow
		ps.consecutive = 0
	case res.Status != "" && res.Status != "ok":
		// Answered in time but reported degraded operation.
		result = ResultSlow
		ps.consecutive = 0
		m.logger.Warn("skill reports degraded health",
			"skill", skill, "status", res.Status, "detail", res.Detail)
	default:
		result = ResultOK
		ps.consecutive = 0
	}

	now := time.Now()
	m.ledger.Record(skill, Outcome{Result: result, Latency: latency, At: now})

	if result == ResultUnresponsive && ps.consecutive >= m.threshold {
		m.escalate(ctx, t, ps, now)
	}

	ps.last = Status{
		SkillID: skill, Result: result, State: t.State().String(),
		Latency: latency, CheckedAt: now, Consecutive: ps.consecutive,
	}
	return ps.last
}

// escalate forces a restart after threshold consecutive failures, and
// quarantines the skill when forced restarts themselves keep recurring.
func (m *Monitor) escalate(ctx context.Context, t Target, ps *probeState, now time.Time) {
	skill := t.SkillID()
	m.logger.Error("skill unresponsive; forcing restart",
		"skill", skill, "consecutive", ps.consecutive)
	m.ledger.RecordRestart(skill, now)
	ps.consecutive = 0

	if m.ledger.RestartsWithin(skill, m.quarWindow, now) >= m.quarRestarts {
		m.quarantine(skill, fmt.Errorf("forced %d restarts within %s",
			m.quarRestarts, m.quarWindow))
		return
	}

	if err := t.Restart(ctx); err != nil {
		m.logger.Error("forced restart failed", "skill", skill, "error", err)
	}
	if t.State() == supervisor.StateFailed {
		cause := t.Err()
		if cause == nil {
			cause = errors.New("restarts exhausted")
		}
		m.quarantine(skill, cause)
	}
}

func (m *Monitor) quarantine(skillID string, reason error) {
	m.mu.Lock()
	if m.quarantined[skillID] {
		m.mu.Unlock()
		return
	}
	m.quarantined[skillID] = true
	m.mu.Unlock()

	m.logger.Error("skill quarantined", "skill", skillID, "reason", reason)
	if m.onQuarantine != nil {
		m.onQuarantine(skillID, reason)
	}
}

// cronLogger adapts slog to the cron.Logger interface. Scheduler chatter is
// debug-level noise; skipped overlapping sweeps land there too.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
