package skillhost

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/policy"
)

// CapabilityChecker enforces authorized capability sets against concrete
// resource use during a session. The set a checker holds for a skill is the
// snapshot taken when the session was authorized: revoking a grant
// mid-session does not affect the running session, only the next Grant.
type CapabilityChecker struct {
	policy        *policy.GlobPolicy
	denialHandler DenialHandler
	cwd           string

	mu      sync.RWMutex
	granted map[string]capability.Set
}

// DenialHandler is called when a capability is denied. It allows custom
// logging or auditing on top of the policy's own denial reporting.
type DenialHandler func(ctx context.Context, skillID, kind, resource, message string)

// CapabilityCheckerOption configures a CapabilityChecker.
type CapabilityCheckerOption func(*capabilityCheckerConfig)

type capabilityCheckerConfig struct {
	cwd               string
	symlinkResolution bool
	denialHandler     DenialHandler
}

// WithCapabilityWorkingDirectory sets the directory relative paths resolve
// against. Usually the skill's bundle directory.
func WithCapabilityWorkingDirectory(cwd string) CapabilityCheckerOption {
	return func(c *capabilityCheckerConfig) {
		c.cwd = cwd
	}
}

// WithCapabilitySymlinkResolution enables or disables symlink resolution.
func WithCapabilitySymlinkResolution(enabled bool) CapabilityCheckerOption {
	return func(c *capabilityCheckerConfig) {
		c.symlinkResolution = enabled
	}
}

// WithCapabilityDenialHandler sets the handler for denied capabilities.
func WithCapabilityDenialHandler(handler DenialHandler) CapabilityCheckerOption {
	return func(c *capabilityCheckerConfig) {
		c.denialHandler = handler
	}
}

// NewCapabilityChecker creates a checker with no grants. The cwd is
// captured at construction time so checks have no filesystem side effects.
func NewCapabilityChecker(opts ...CapabilityCheckerOption) *CapabilityChecker {
	cfg := capabilityCheckerConfig{
		symlinkResolution: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cwd == "" {
		cfg.cwd, _ = os.Getwd()
	}

	return &CapabilityChecker{
		policy: policy.NewPolicy(
			policy.WithWorkingDirectory(cfg.cwd),
			policy.WithSymlinkResolution(cfg.symlinkResolution),
		),
		denialHandler: cfg.denialHandler,
		cwd:           cfg.cwd,
		granted:       make(map[string]capability.Set),
	}
}

// Grant installs the authorized set for a skill's session. The set is a
// snapshot; later gate revocations do not reach into it.
func (c *CapabilityChecker) Grant(skillID string, set capability.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted[skillID] = set.Clone()
}

// Forget drops a skill's snapshot, typically when its last session ends.
func (c *CapabilityChecker) Forget(skillID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.granted, skillID)
}

// Granted returns the current snapshot for a skill.
func (c *CapabilityChecker) Granted(skillID string) (capability.Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.granted[skillID]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

// CheckFile checks a filesystem operation ("read" or "write") on path.
func (c *CapabilityChecker) CheckFile(ctx context.Context, skillID, path, operation string) error {
	grants, ok := c.Granted(skillID)
	if !ok {
		return c.deny(ctx, skillID, "fs", path, "no capabilities granted")
	}
	if c.policy.CheckFile(path, operation, grants) {
		return nil
	}
	return c.deny(ctx, skillID, "fs", path, "filesystem capability denied")
}

// CheckExec checks execution of a command.
func (c *CapabilityChecker) CheckExec(ctx context.Context, skillID, command string) error {
	grants, ok := c.Granted(skillID)
	if !ok {
		return c.deny(ctx, skillID, "exec", command, "no capabilities granted")
	}
	if c.policy.CheckExec(command, grants) {
		return nil
	}
	return c.deny(ctx, skillID, "exec", command, "exec capability denied")
}

// CheckNetwork checks an outbound connection to host:port.
func (c *CapabilityChecker) CheckNetwork(ctx context.Context, skillID, host string, port int) error {
	endpoint := fmt.Sprintf("%s:%d", host, port)
	grants, ok := c.Granted(skillID)
	if !ok {
		return c.deny(ctx, skillID, "network", endpoint, "no capabilities granted")
	}
	if c.policy.CheckNetwork(host, port, grants) {
		return nil
	}
	return c.deny(ctx, skillID, "network", endpoint, "network capability denied")
}

// CheckURL checks an outbound request by URL, defaulting the port from the
// scheme when the URL names none.
func (c *CapabilityChecker) CheckURL(ctx context.Context, skillID, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	portStr := parsed.Port()
	if portStr == "" {
		if parsed.Scheme == "https" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, _ := strconv.Atoi(portStr)
	return c.CheckNetwork(ctx, skillID, parsed.Hostname(), port)
}

// CheckEnv checks a read of an environment variable.
func (c *CapabilityChecker) CheckEnv(ctx context.Context, skillID, variable string) error {
	grants, ok := c.Granted(skillID)
	if !ok {
		return c.deny(ctx, skillID, "env", variable, "no capabilities granted")
	}
	if c.policy.CheckEnv(variable, grants) {
		return nil
	}
	return c.deny(ctx, skillID, "env", variable, "environment capability denied")
}

// CheckCredential checks a read of a mediated credential.
func (c *CapabilityChecker) CheckCredential(ctx context.Context, skillID, name string) error {
	grants, ok := c.Granted(skillID)
	if !ok {
		return c.deny(ctx, skillID, "credential", name, "no capabilities granted")
	}
	if c.policy.CheckCredential(name, grants) {
		return nil
	}
	return c.deny(ctx, skillID, "credential", name, "credential capability denied")
}

// AllowsPrivateNetwork reports whether the skill may reach loopback and
// private addresses. Evaluated silently; no denial is reported.
func (c *CapabilityChecker) AllowsPrivateNetwork(skillID string) bool {
	grants, ok := c.Granted(skillID)
	if !ok {
		return false
	}
	return c.policy.EvaluateNetwork("127.0.0.1", 0, grants)
}

func (c *CapabilityChecker) deny(ctx context.Context, skillID, kind, resource, message string) error {
	fullMsg := fmt.Sprintf("%s: %s", message, resource)
	if c.denialHandler != nil {
		c.denialHandler(ctx, skillID, kind, resource, fullMsg)
	}
	return fmt.Errorf("skill %s: %s: %w", skillID, fullMsg, hosterr.ErrCapabilityDenied)
}
