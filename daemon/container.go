// Package daemon wires the skill runtime's services with go.uber.org/dig
// and runs them as a long-lived process. Callers use the typed getter
// methods; they never need to import dig directly.
package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"go.uber.org/dig"

	"github.com/skillhost-dev/skillhost"
	"github.com/skillhost-dev/skillhost/audit"
	"github.com/skillhost-dev/skillhost/bootstrap"
	"github.com/skillhost-dev/skillhost/bundle"
	"github.com/skillhost-dev/skillhost/bundle/oci"
	"github.com/skillhost-dev/skillhost/bundle/signing"
	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/capability/gatekeeper"
	"github.com/skillhost-dev/skillhost/capability/grantstore"
	"github.com/skillhost-dev/skillhost/config"
	"github.com/skillhost-dev/skillhost/credential"
	"github.com/skillhost-dev/skillhost/extractor"
	"github.com/skillhost-dev/skillhost/health"
	"github.com/skillhost-dev/skillhost/registry"
	"github.com/skillhost-dev/skillhost/session"
	"github.com/skillhost-dev/skillhost/supervisor"
	"github.com/skillhost-dev/skillhost/validation"
)

// Container holds the resolved runtime services.
type Container struct {
	settings config.Settings
	host     *skillhost.Host
	monitor  *health.Monitor
	reg      *registry.Store
	gate     *gatekeeper.Gatekeeper
	boot     *bootstrap.Bootstrapper
	creds    *credential.Mediator
	ledger   audit.Ledger
	closer   *audit.SQLiteLedger
	logger   *slog.Logger
}

func (c *Container) Settings() config.Settings             { return c.settings }
func (c *Container) Host() *skillhost.Host                 { return c.host }
func (c *Container) Monitor() *health.Monitor              { return c.monitor }
func (c *Container) Registry() *registry.Store             { return c.reg }
func (c *Container) Gate() *gatekeeper.Gatekeeper          { return c.gate }
func (c *Container) Bootstrapper() *bootstrap.Bootstrapper { return c.boot }
func (c *Container) Credentials() *credential.Mediator     { return c.creds }
func (c *Container) Ledger() audit.Ledger                  { return c.ledger }

// Close releases what the container owns: skill processes first, then the
// audit database. The monitor, if running, should be stopped beforehand.
func (c *Container) Close(ctx context.Context) error {
	err := c.host.Close(ctx)
	if closeErr := c.closer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Option adjusts the wiring, mainly for tests and the CLI.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	prompter capability.Prompter
	launcher supervisor.Launcher
}

// WithLogger sets the structured logger every service logs through.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPrompter replaces the interactive terminal approval prompt.
func WithPrompter(p capability.Prompter) Option {
	return func(o *options) {
		if p != nil {
			o.prompter = p
		}
	}
}

// WithLauncher replaces process spawning, for tests.
func WithLauncher(l supervisor.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// launcherParam carries an optional launcher override through the graph
// without colliding with other interface values.
type launcherParam struct{ l supervisor.Launcher }

// New builds and wires the full runtime from cfg.
func New(cfg config.Settings, opts ...Option) (*Container, error) {
	o := options{
		logger:   slog.Default(),
		prompter: gatekeeper.NewTerminalPrompter(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	d := dig.New()

	provides := []any{
		func() config.Settings { return cfg },
		func() *slog.Logger { return o.logger },
		func() capability.Prompter { return o.prompter },
		func() launcherParam { return launcherParam{l: o.launcher} },
		newGrantStore,
		newGatekeeper,
		newBootstrapper,
		newRegistry,
		newCache,
		newResolver,
		newInstaller,
		newCredentials,
		newLedger,
		newRunner,
		newValidator,
		newHost,
		newMonitor,
	}
	for _, ctor := range provides {
		if err := d.Provide(ctor); err != nil {
			return nil, err
		}
	}

	var result *Container
	err := d.Invoke(func(
		host *skillhost.Host,
		monitor *health.Monitor,
		reg *registry.Store,
		gate *gatekeeper.Gatekeeper,
		boot *bootstrap.Bootstrapper,
		creds *credential.Mediator,
		ledger *audit.SQLiteLedger,
		logger *slog.Logger,
	) {
		host.AttachMonitor(monitor)
		result = &Container{
			settings: cfg,
			host:     host,
			monitor:  monitor,
			reg:      reg,
			gate:     gate,
			boot:     boot,
			creds:    creds,
			ledger:   ledger,
			closer:   ledger,
			logger:   logger,
		}
	})
	return result, err
}

func newGrantStore(cfg config.Settings) capability.GrantStore {
	return grantstore.NewFileStore(grantstore.WithPath(cfg.GrantsPath()))
}

func newGatekeeper(store capability.GrantStore, prompter capability.Prompter, cfg config.Settings, logger *slog.Logger) *gatekeeper.Gatekeeper {
	return gatekeeper.NewGatekeeper(
		gatekeeper.WithStore(store),
		gatekeeper.WithPrompter(prompter),
		gatekeeper.WithMode(cfg.Mode),
		gatekeeper.WithLogger(logger),
	)
}

func newBootstrapper(cfg config.Settings, logger *slog.Logger) *bootstrap.Bootstrapper {
	return bootstrap.New(
		bootstrap.WithAutoInstall(cfg.AutoInstall),
		bootstrap.WithCachePath(cfg.RuntimeCachePath()),
		bootstrap.WithInstallDir(filepath.Join(cfg.DataDir, "tools")),
		bootstrap.WithBootstrapLogger(logger),
	)
}

func newRegistry(cfg config.Settings, logger *slog.Logger) (*registry.Store, error) {
	return registry.Open(cfg.DataDir, registry.WithLogger(logger))
}

func newCache(cfg config.Settings) (*bundle.Cache, error) {
	return bundle.NewCache(filepath.Join(cfg.DataDir, "cache"))
}

func newResolver(cache *bundle.Cache, logger *slog.Logger) bundle.Resolver {
	adapter := oci.NewRegistryAdapter(oci.NewEnvAuthProvider())
	return bundle.DefaultChain(cache, adapter, logger)
}

func newInstaller(reg *registry.Store, resolver bundle.Resolver, cfg config.Settings, logger *slog.Logger) *bundle.Service {
	opts := []bundle.Option{
		bundle.WithLockfile(bundle.NewFileLockfileStore(), filepath.Join(cfg.DataDir, "skills.lock")),
		bundle.WithExtractors(extractor.DefaultRegistry()),
		bundle.WithLogger(logger),
	}
	if cfg.RequireSignature {
		opts = append(opts,
			bundle.WithRequireSignature(true),
			bundle.WithSignatureVerifier(signing.NewCosignVerifier(nil, nil)),
		)
	}
	return bundle.NewService(reg, resolver, opts...)
}

func newCredentials(cfg config.Settings, logger *slog.Logger) *credential.Mediator {
	return credential.NewMediator(
		credential.NewDefaultStore(cfg.DataDir),
		credential.WithMediatorLogger(logger),
	)
}

func newLedger(cfg config.Settings) (*audit.SQLiteLedger, error) {
	return audit.Open(cfg.AuditPath())
}

func newRunner(cfg config.Settings, logger *slog.Logger) *session.Runner {
	return session.NewRunner(
		session.WithTimeout(cfg.InvokeTimeout),
		session.WithLogger(logger),
	)
}

func newValidator() (*validation.MessageValidator, error) {
	return validation.NewMessageValidator()
}

func newHost(
	reg *registry.Store,
	gate *gatekeeper.Gatekeeper,
	boot *bootstrap.Bootstrapper,
	installer *bundle.Service,
	creds *credential.Mediator,
	ledger *audit.SQLiteLedger,
	runner *session.Runner,
	validator *validation.MessageValidator,
	launcher launcherParam,
	cfg config.Settings,
	logger *slog.Logger,
) *skillhost.Host {
	opts := []skillhost.HostOption{
		skillhost.WithBootstrapper(boot),
		skillhost.WithInstaller(installer),
		skillhost.WithCredentials(creds),
		skillhost.WithAuditLedger(ledger),
		skillhost.WithSessionRunner(runner),
		skillhost.WithValidator(validator),
		skillhost.WithPoolSize(cfg.PoolSize),
		skillhost.WithHandshakeTimeout(cfg.HandshakeTimeout),
		skillhost.WithShutdownGrace(cfg.ShutdownGrace),
		skillhost.WithMiddleware(skillhost.LoggingMiddleware(logger)),
		skillhost.WithHostLogger(logger),
	}
	if launcher.l != nil {
		opts = append(opts, skillhost.WithLauncher(launcher.l))
	}
	return skillhost.New(reg, gate, opts...)
}

func newMonitor(host *skillhost.Host, ledger *audit.SQLiteLedger, cfg config.Settings, logger *slog.Logger) *health.Monitor {
	// The ledger keys transitions by from/to state; the monitor only
	// reports the new status, so the previous one is tracked here.
	var mu sync.Mutex
	prev := make(map[string]string)

	return health.NewMonitor(host.Targets,
		health.WithInterval(cfg.ProbeInterval),
		health.WithBudgets(cfg.ProbeSoftBudget, cfg.ProbeHardBudget),
		health.WithLedger(health.NewLedger()),
		health.WithMonitorLogger(logger),
		health.WithOnQuarantine(func(skillID string, reason error) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+2*cfg.ProbeHardBudget)
			defer cancel()
			if err := host.QuarantineSkill(ctx, skillID, reason.Error()); err != nil {
				logger.Error("quarantine failed", "skill", skillID, "error", err)
			}
		}),
		health.WithOnTransition(func(st health.Status) {
			mu.Lock()
			from := prev[st.SkillID]
			prev[st.SkillID] = string(st.Result)
			mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeHardBudget)
			defer cancel()
			tr := audit.HealthTransition{
				SkillID: st.SkillID,
				From:    from,
				To:      string(st.Result),
				Reason:  st.State,
				At:      st.CheckedAt,
			}
			if err := ledger.RecordTransition(ctx, tr); err != nil {
				logger.Warn("health transition audit failed", "skill", st.SkillID, "error", err)
			}
		}),
	)
}
