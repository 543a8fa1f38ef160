// Package skillhost is the host-facing surface of the skill runtime: a
// registry of installed skills, a capability gate in front of them, and an
// invocation path that spawns, supervises, and tears down their processes.
// GUI, updater, and channel collaborators consume this package; the
// subpackages underneath stay wired together behind it.
package skillhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skillhost-dev/skillhost/audit"
	"github.com/skillhost-dev/skillhost/bootstrap"
	"github.com/skillhost-dev/skillhost/bundle"
	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/capability/gatekeeper"
	"github.com/skillhost-dev/skillhost/credential"
	"github.com/skillhost-dev/skillhost/health"
	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/registry"
	"github.com/skillhost-dev/skillhost/session"
	"github.com/skillhost-dev/skillhost/supervisor"
	"github.com/skillhost-dev/skillhost/validation"
)

// CrashRetries is how many times one invocation is retried after the child
// crashes mid-task. One crash is transient; two are not.
const CrashRetries = 1

// Host is the runtime facade. Construct with New, wire collaborators
// through options, and Close on shutdown so no child process outlives the
// embedding application.
type Host struct {
	registry  *registry.Store
	gate      *gatekeeper.Gatekeeper
	boot      *bootstrap.Bootstrapper
	installer *bundle.Service
	creds     *credential.Mediator
	ledger    audit.Ledger
	runner    *session.Runner
	checker   *CapabilityChecker
	launcher  supervisor.Launcher
	validator validation.Validator
	logger    *slog.Logger

	poolSize         int
	handshakeTimeout time.Duration
	shutdownGrace    time.Duration
	middleware       []Middleware
	invoke           InvokeHandler

	monitorMu sync.Mutex
	monitor   *health.Monitor

	mu     sync.Mutex
	pools  map[string]*skillPool
	closed bool
}

// skillPool couples a supervisor pool with the launch configuration its
// factory reads. Reinstalling a skill swaps the whole thing out.
type skillPool struct {
	pool        *supervisor.Pool
	installedAt time.Time

	mu      sync.Mutex
	command string
	args    []string
	dir     string
	env     []string
}

func (sp *skillPool) configure(command string, args []string, dir string, env []string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.command = command
	sp.args = args
	sp.dir = dir
	sp.env = env
}

func (sp *skillPool) launch() (command string, args []string, dir string, env []string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.command, sp.args, sp.dir, sp.env
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithBootstrapper wires runtime resolution. Without one, only skills with
// the binary runtime kind can start.
func WithBootstrapper(b *bootstrap.Bootstrapper) HostOption {
	return func(h *Host) { h.boot = b }
}

// WithInstaller wires the bundle install pipeline behind InstallSkill.
func WithInstaller(s *bundle.Service) HostOption {
	return func(h *Host) { h.installer = s }
}

// WithCredentials wires the secret mediator used to inject declared
// credentials at spawn.
func WithCredentials(m *credential.Mediator) HostOption {
	return func(h *Host) { h.creds = m }
}

// WithAuditLedger records invocations and approval decisions.
func WithAuditLedger(l audit.Ledger) HostOption {
	return func(h *Host) { h.ledger = l }
}

// WithSessionRunner replaces the default session runner, mainly to change
// the invocation timeout.
func WithSessionRunner(r *session.Runner) HostOption {
	return func(h *Host) {
		if r != nil {
			h.runner = r
		}
	}
}

// WithChecker replaces the default capability checker.
func WithChecker(c *CapabilityChecker) HostOption {
	return func(h *Host) {
		if c != nil {
			h.checker = c
		}
	}
}

// WithLauncher replaces process spawning, mainly for tests.
func WithLauncher(l supervisor.Launcher) HostOption {
	return func(h *Host) { h.launcher = l }
}

// WithValidator enables wire-payload schema validation on every supervisor.
func WithValidator(v validation.Validator) HostOption {
	return func(h *Host) { h.validator = v }
}

// WithPoolSize bounds live processes per skill.
func WithPoolSize(n int) HostOption {
	return func(h *Host) {
		if n > 0 {
			h.poolSize = n
		}
	}
}

// WithHandshakeTimeout bounds the initial protocol exchange.
func WithHandshakeTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// WithShutdownGrace bounds graceful stop before the child is killed.
func WithShutdownGrace(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.shutdownGrace = d
		}
	}
}

// WithMiddleware appends invocation middleware. Panic recovery always wraps
// outermost; audit recording, when a ledger is configured, wraps innermost
// so it observes the settled outcome.
func WithMiddleware(mws ...Middleware) HostOption {
	return func(h *Host) { h.middleware = append(h.middleware, mws...) }
}

// WithHostLogger sets the structured logger.
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// New builds a Host over an installed-skill store and a capability gate.
func New(reg *registry.Store, gate *gatekeeper.Gatekeeper, opts ...HostOption) *Host {
	h := &Host{
		registry:         reg,
		gate:             gate,
		logger:           slog.Default(),
		poolSize:         supervisor.DefaultPoolSize,
		handshakeTimeout: supervisor.DefaultHandshakeTimeout,
		shutdownGrace:    supervisor.DefaultShutdownGrace,
		pools:            make(map[string]*skillPool),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.runner == nil {
		h.runner = session.NewRunner(session.WithLogger(h.logger))
	}
	if h.checker == nil {
		h.checker = NewCapabilityChecker()
	}

	chain := []Middleware{PanicRecoveryMiddleware()}
	chain = append(chain, h.middleware...)
	if h.ledger != nil {
		chain = append(chain, AuditMiddleware(h.ledger, h.logger))
	}
	h.invoke = chainMiddleware(h.doInvoke, chain...)
	return h
}

// Checker exposes the resource-level enforcement point collaborators call
// while mediating a skill's file, shell, network, or credential access.
func (h *Host) Checker() *CapabilityChecker { return h.checker }

// AttachMonitor hands the Host the health monitor probing its supervisors.
// Wired after construction because the monitor's target list is the Host's
// own pool set.
func (h *Host) AttachMonitor(m *health.Monitor) {
	h.monitorMu.Lock()
	defer h.monitorMu.Unlock()
	h.monitor = m
}

// ListSkills returns every installed skill, active or not.
func (h *Host) ListSkills() []*registry.Entry {
	return h.registry.List()
}

// GetSkill returns one installed skill's entry.
func (h *Host) GetSkill(id string) (*registry.Entry, error) {
	return h.registry.Get(id)
}

// InstallSkill resolves, verifies, and registers a skill bundle from a
// source string: a local path, a cached name, or an oci:// reference. Any
// pool for a previous install of the same id is torn down so the next
// invocation spawns from the new bundle.
func (h *Host) InstallSkill(ctx context.Context, source string) (*bundle.InstallResult, error) {
	if h.installer == nil {
		return nil, fmt.Errorf("install skill: no bundle installer configured")
	}
	res, err := h.installer.Install(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := h.dropPool(ctx, res.Entry.ID()); err != nil {
		h.logger.Warn("stale pool teardown failed", "skill", res.Entry.ID(), "error", err)
	}
	return res, nil
}

// RemoveSkill uninstalls a skill: processes stopped, grants revoked, stored
// credentials cleared, bundle and registry entry purged.
func (h *Host) RemoveSkill(ctx context.Context, id string) error {
	entry, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if err := h.dropPool(ctx, id); err != nil {
		h.logger.Warn("pool teardown failed during removal", "skill", id, "error", err)
	}
	if h.creds != nil {
		if err := h.creds.Clear(id, entry.Descriptor.Credentials); err != nil {
			h.logger.Warn("credential cleanup failed", "skill", id, "error", err)
		}
	}
	if err := h.gate.RevokeSkill(id); err != nil {
		h.logger.Warn("grant cleanup failed", "skill", id, "error", err)
	}
	if h.installer != nil {
		return h.installer.Remove(ctx, id)
	}
	return h.registry.Remove(id)
}

// DisableSkill parks a skill: the registry entry survives but nothing
// spawns until EnableSkill.
func (h *Host) DisableSkill(ctx context.Context, id, reason string) error {
	if err := h.dropPool(ctx, id); err != nil {
		h.logger.Warn("pool teardown failed during disable", "skill", id, "error", err)
	}
	return h.registry.Disable(id, reason)
}

// EnableSkill returns a disabled or quarantined skill to rotation.
func (h *Host) EnableSkill(id string) error {
	return h.registry.Enable(id)
}

// QuarantineSkill pulls a skill out of rotation and tears its processes
// down. The health monitor calls this when failures persist past the
// restart budget.
func (h *Host) QuarantineSkill(ctx context.Context, id, reason string) error {
	if err := h.registry.Quarantine(id, reason); err != nil {
		return err
	}
	return h.dropPool(ctx, id)
}

// Authorize resolves grants for the named capabilities, prompting the user
// for anything undecided. Capabilities outside the skill's declared set are
// escalations and are authorized independently. The returned set is what
// the skill may exercise right now.
func (h *Host) Authorize(ctx context.Context, skillID string, capabilities []string) (capability.Set, error) {
	entry, err := h.registry.Get(skillID)
	if err != nil {
		return nil, err
	}
	requested, err := capability.ParseSet(capabilities)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", skillID, err)
	}
	declared := entry.Descriptor.Capabilities

	authorized, authErr := h.gate.Authorize(ctx, skillID, declared, requested)
	h.recordApprovals(ctx, skillID, declared, requested, authorized)
	if authErr != nil {
		return nil, authErr
	}
	return authorized, nil
}

// Revoke withdraws one capability grant. A running session keeps its
// snapshot; the next authorization sees the revocation.
func (h *Host) Revoke(skillID string, cap string) error {
	c, err := capability.Parse(cap)
	if err != nil {
		return err
	}
	return h.gate.Revoke(skillID, c)
}

// Decisions lists the stored approval records for a skill.
func (h *Host) Decisions(skillID string) ([]capability.ApprovalRecord, error) {
	return h.gate.Decisions(skillID)
}

// Invoke runs one task against a skill. Events reach handler in the order
// the child emitted them; the call settles with exactly one of a result, a
// typed failure, or cancellation. The context deadline bounds the task;
// without one the runner's default applies.
func (h *Host) Invoke(ctx context.Context, skillID, task string, input json.RawMessage, handler session.EventHandler) (*session.Result, error) {
	return h.invoke(ctx, &InvokeRequest{
		SkillID: skillID,
		Task:    task,
		Input:   input,
		Handler: handler,
	})
}

// doInvoke is the terminal invocation handler under the middleware chain.
func (h *Host) doInvoke(ctx context.Context, req *InvokeRequest) (*session.Result, error) {
	entry, err := h.registry.Get(req.SkillID)
	if err != nil {
		return nil, err
	}
	switch entry.State {
	case registry.StateActive:
	case registry.StateQuarantined:
		return nil, fmt.Errorf("skill %s is quarantined (%s); re-enable it first", req.SkillID, entry.StateReason)
	default:
		return nil, fmt.Errorf("skill %s is %s; enable it first", req.SkillID, entry.State)
	}
	desc := entry.Descriptor

	// Authorization first: a denied session never spawns anything. The
	// authorized set is snapshotted into the checker for the session's
	// lifetime; revocations land on the next invocation.
	authorized, authErr := h.gate.Authorize(ctx, req.SkillID, desc.Capabilities, desc.Capabilities)
	h.recordApprovals(ctx, req.SkillID, desc.Capabilities, desc.Capabilities, authorized)
	if authErr != nil {
		return nil, authErr
	}
	h.checker.Grant(req.SkillID, authorized)

	sp, err := h.preparePool(ctx, entry)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= CrashRetries; attempt++ {
		res, err := h.invokeOnce(ctx, sp, desc, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, hosterr.ErrProcessCrashed) || ctx.Err() != nil {
			return nil, err
		}
		h.logger.Warn("skill crashed mid-task",
			"skill", req.SkillID, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (h *Host) invokeOnce(ctx context.Context, sp *skillPool, desc *manifest.SkillDescriptor, req *InvokeRequest) (*session.Result, error) {
	lease, err := sp.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	res, invokeErr := h.runner.Invoke(ctx, leaseConn{lease}, req.Task, req.Input, req.Handler)

	if desc.Mode == manifest.RunModeOneShot {
		// One-shot processes never stay warm. Detached context: the
		// task's own deadline is likely spent.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownGrace+2*time.Second)
		defer cancel()
		if err := lease.Stop(stopCtx); err != nil {
			h.logger.Warn("one-shot teardown failed", "skill", desc.ID, "error", err)
		}
	}
	return res, invokeErr
}

// preparePool resolves the runtime and credentials for a skill and returns
// its pool, building or rebuilding one as needed.
func (h *Host) preparePool(ctx context.Context, entry *registry.Entry) (*skillPool, error) {
	desc := entry.Descriptor
	skillDir := h.registry.SkillDir(desc.ID)

	var info bootstrap.RuntimeInfo
	if desc.Runtime.Kind == manifest.RuntimeBinary {
		info = bootstrap.RuntimeInfo{Kind: manifest.RuntimeBinary}
	} else {
		if h.boot == nil {
			return nil, &hosterr.UnavailableError{
				Kind:   string(desc.Runtime.Kind),
				Reason: "no runtime bootstrapper configured",
			}
		}
		var err error
		info, err = h.boot.Resolve(ctx, desc.Runtime)
		if err != nil {
			return nil, err
		}
	}

	env := supervisor.BuildEnv(nil)
	if len(desc.Credentials) > 0 {
		if h.creds == nil {
			return nil, fmt.Errorf("skill %s declares credentials but no mediator is configured", desc.ID)
		}
		values, err := h.creds.Resolve(desc.ID, desc.Credentials)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", desc.ID, err)
		}
		env = credential.Inject(env, values)
	}

	command, args := bootstrap.BuildCommand(info, desc, skillDir)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("host is shut down")
	}
	sp, ok := h.pools[desc.ID]
	if ok && !sp.installedAt.Equal(entry.UpdatedAt) {
		// Reinstalled since the pool was built; retire the old
		// processes outside the lock.
		delete(h.pools, desc.ID)
		h.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownGrace+2*time.Second)
		if err := sp.pool.Shutdown(stopCtx); err != nil {
			h.logger.Warn("stale pool teardown failed", "skill", desc.ID, "error", err)
		}
		cancel()
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, fmt.Errorf("host is shut down")
		}
		ok = false
	}
	if !ok {
		sp = &skillPool{installedAt: entry.UpdatedAt}
		sp.pool = supervisor.NewPool(desc.ID, h.poolSize, h.factory(desc, sp), h.logger)
		h.pools[desc.ID] = sp
	}
	h.mu.Unlock()

	sp.configure(command, args, skillDir, env)
	return sp, nil
}

// factory builds supervisors that read their launch configuration from the
// skillPool at start time, so credential and runtime refreshes reach the
// next spawn without a pool rebuild.
func (h *Host) factory(desc *manifest.SkillDescriptor, sp *skillPool) supervisor.Factory {
	return func() *supervisor.Supervisor {
		command, args, dir, env := sp.launch()
		opts := []supervisor.Option{
			supervisor.WithCommand(command, args...),
			supervisor.WithDir(dir),
			supervisor.WithEnv(env),
			supervisor.WithLogger(h.logger),
			supervisor.WithHandshakeTimeout(h.handshakeTimeout),
			supervisor.WithShutdownGrace(h.shutdownGrace),
		}
		if h.launcher != nil {
			opts = append(opts, supervisor.WithLauncher(h.launcher))
		}
		if h.validator != nil {
			opts = append(opts, supervisor.WithValidator(h.validator))
		}
		return supervisor.New(desc, opts...)
	}
}

// Health reports the last probe result for a skill, when the monitor has
// one.
func (h *Host) Health(skillID string) (health.Status, bool) {
	h.monitorMu.Lock()
	m := h.monitor
	h.monitorMu.Unlock()
	if m == nil {
		return health.Status{}, false
	}
	return m.Health(skillID)
}

// HealthSnapshot reports the last probe result for every probed skill.
func (h *Host) HealthSnapshot() []health.Status {
	h.monitorMu.Lock()
	m := h.monitor
	h.monitorMu.Unlock()
	if m == nil {
		return nil
	}
	return m.Snapshot()
}

// Targets snapshots every live supervisor for the health monitor's sweep.
func (h *Host) Targets() []health.Target {
	h.mu.Lock()
	pools := make([]*skillPool, 0, len(h.pools))
	for _, sp := range h.pools {
		pools = append(pools, sp)
	}
	h.mu.Unlock()

	var targets []health.Target
	for _, sp := range pools {
		for _, s := range sp.pool.Supervisors() {
			targets = append(targets, s)
		}
	}
	return targets
}

// Close stops every skill process. Safe to call more than once; the first
// call wins.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pools := h.pools
	h.pools = nil
	h.mu.Unlock()

	var g errgroup.Group
	for _, sp := range pools {
		g.Go(func() error { return sp.pool.Shutdown(ctx) })
	}
	return g.Wait()
}

// dropPool tears down and forgets a skill's pool, if one exists.
func (h *Host) dropPool(ctx context.Context, id string) error {
	h.mu.Lock()
	sp, ok := h.pools[id]
	if ok {
		delete(h.pools, id)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownGrace+2*time.Second)
	defer cancel()
	return sp.pool.Shutdown(stopCtx)
}

// recordApprovals writes one audit row per requested capability. Best
// effort; the decision itself already stands.
func (h *Host) recordApprovals(ctx context.Context, skillID string, declared, requested, authorized capability.Set) {
	if h.ledger == nil {
		return
	}
	for _, c := range requested.Dedupe() {
		decision := "denied"
		if authorized.Contains(c) {
			decision = "granted"
		}
		a := audit.Approval{
			SkillID:    skillID,
			Capability: c.String(),
			Decision:   decision,
			Escalated:  !declared.Contains(c),
		}
		if err := h.ledger.RecordApproval(context.WithoutCancel(ctx), a); err != nil {
			h.logger.Warn("approval audit failed", "skill", skillID, "error", err)
		}
	}
}

// leaseConn adapts a pool lease to the session layer's connection port.
type leaseConn struct {
	*supervisor.Lease
}

func (c leaseConn) Subscribe(sessionID string) session.EventStream {
	return c.Lease.Subscribe(sessionID)
}
