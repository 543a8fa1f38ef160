package policy

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/skillhost-dev/skillhost/capability"
)

// GlobPolicy is the default Policy implementation. Filesystem patterns use
// doublestar globs; hosts, variables, and credential names use single-level
// globs; exec patterns match the command path or its base name.
type GlobPolicy struct {
	denial          DenialHandler
	workingDir      string
	resolveSymlinks bool
}

// Option configures a GlobPolicy.
type Option func(*GlobPolicy)

// WithDenialHandler sets the handler invoked on every denied check.
func WithDenialHandler(h DenialHandler) Option {
	return func(p *GlobPolicy) { p.denial = h }
}

// WithWorkingDirectory sets the directory used to resolve relative paths.
// Without one, relative paths are denied.
func WithWorkingDirectory(dir string) Option {
	return func(p *GlobPolicy) { p.workingDir = dir }
}

// WithSymlinkResolution toggles resolving symlinks before matching paths.
func WithSymlinkResolution(resolve bool) Option {
	return func(p *GlobPolicy) { p.resolveSymlinks = resolve }
}

// NewPolicy creates a GlobPolicy.
func NewPolicy(opts ...Option) *GlobPolicy {
	p := &GlobPolicy{
		resolveSymlinks: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.denial == nil {
		p.denial = &SlogDenialHandler{}
	}
	return p
}

// CheckFile reports whether the operation on path is covered, logging a
// denial otherwise.
func (p *GlobPolicy) CheckFile(filePath, operation string, granted capability.Set) bool {
	if p.EvaluateFile(filePath, operation, granted) {
		return true
	}
	p.denial.OnDenial("fs", fmt.Sprintf("%s %s", operation, filePath), "not covered by granted capabilities")
	return false
}

// CheckExec reports whether running command is covered.
func (p *GlobPolicy) CheckExec(command string, granted capability.Set) bool {
	if p.EvaluateExec(command, granted) {
		return true
	}
	p.denial.OnDenial("exec", command, "not covered by granted capabilities")
	return false
}

// CheckNetwork reports whether connecting to host:port is covered.
func (p *GlobPolicy) CheckNetwork(host string, port int, granted capability.Set) bool {
	if p.EvaluateNetwork(host, port, granted) {
		return true
	}
	p.denial.OnDenial("network", fmt.Sprintf("%s:%d", host, port), "not covered by granted capabilities")
	return false
}

// CheckEnv reports whether reading the environment variable is covered.
func (p *GlobPolicy) CheckEnv(variable string, granted capability.Set) bool {
	if p.EvaluateEnv(variable, granted) {
		return true
	}
	p.denial.OnDenial("env", variable, "not covered by granted capabilities")
	return false
}

// CheckCredential reports whether reading the named credential is covered.
func (p *GlobPolicy) CheckCredential(name string, granted capability.Set) bool {
	if p.EvaluateCredential(name, granted) {
		return true
	}
	p.denial.OnDenial("credential", name, "not covered by granted capabilities")
	return false
}

// EvaluateFile decides a file operation without side effects.
func (p *GlobPolicy) EvaluateFile(filePath, operation string, granted capability.Set) bool {
	var want capability.Kind
	switch operation {
	case OpRead:
		want = capability.KindFileRead
	case OpWrite:
		want = capability.KindFileWrite
	default:
		return false
	}

	normalized, ok := p.normalizePath(filePath)
	if !ok {
		return false
	}

	for _, c := range granted {
		if c.Kind != want {
			continue
		}
		if matchPath(c.Pattern, normalized) {
			return true
		}
	}
	return false
}

// EvaluateExec decides a command execution without side effects.
func (p *GlobPolicy) EvaluateExec(command string, granted capability.Set) bool {
	for _, c := range granted {
		if c.Kind != capability.KindShellExec {
			continue
		}
		if matchCommand(c.Pattern, command) {
			return true
		}
	}
	return false
}

// EvaluateNetwork decides a host:port connection without side effects.
func (p *GlobPolicy) EvaluateNetwork(host string, port int, granted capability.Set) bool {
	for _, c := range granted {
		if c.Kind != capability.KindNetworkEgress {
			continue
		}
		if matchEndpoint(c.Pattern, host, port) {
			return true
		}
	}
	return false
}

// EvaluateEnv decides an environment variable read without side effects.
func (p *GlobPolicy) EvaluateEnv(variable string, granted capability.Set) bool {
	return matchName(capability.KindEnvRead, variable, granted)
}

// EvaluateCredential decides a credential read without side effects.
func (p *GlobPolicy) EvaluateCredential(name string, granted capability.Set) bool {
	return matchName(capability.KindCredentialRead, name, granted)
}

// normalizePath cleans the path, resolves it against the working directory,
// and optionally follows symlinks. Relative paths without a working
// directory are rejected.
func (p *GlobPolicy) normalizePath(filePath string) (string, bool) {
	if filePath == "" {
		return "", false
	}
	if !filepath.IsAbs(filePath) {
		if p.workingDir == "" {
			return "", false
		}
		filePath = filepath.Join(p.workingDir, filePath)
	}
	cleaned := filepath.Clean(filePath)
	if p.resolveSymlinks {
		if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
			return resolved, true
		}
	}
	return cleaned, true
}

func matchPath(pattern, cleaned string) bool {
	if isUnbounded(pattern) {
		return true
	}
	ok, err := doublestar.Match(pattern, cleaned)
	return err == nil && ok
}

func matchCommand(pattern, command string) bool {
	if isUnbounded(pattern) {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") || strings.Contains(pattern, "/") {
		ok, err := doublestar.Match(pattern, command)
		return err == nil && ok
	}
	return pattern == command || pattern == filepath.Base(command)
}

// matchEndpoint matches "host", "host:port", or "host:low-high" patterns.
// Hostnames compare case-insensitively.
func matchEndpoint(pattern, host string, port int) bool {
	if isUnbounded(pattern) {
		return true
	}
	patternHost, patternPort, _ := strings.Cut(pattern, ":")
	if !matchGlob(strings.ToLower(patternHost), strings.ToLower(host)) {
		return false
	}
	return matchPort(patternPort, port)
}

func matchPort(spec string, port int) bool {
	if spec == "" || spec == "*" {
		return true
	}
	if low, high, ok := strings.Cut(spec, "-"); ok {
		lo, err1 := strconv.Atoi(low)
		hi, err2 := strconv.Atoi(high)
		return err1 == nil && err2 == nil && port >= lo && port <= hi
	}
	want, err := strconv.Atoi(spec)
	return err == nil && port == want
}

func matchName(kind capability.Kind, name string, granted capability.Set) bool {
	for _, c := range granted {
		if c.Kind != kind {
			continue
		}
		if isUnbounded(c.Pattern) || matchGlob(c.Pattern, name) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func isUnbounded(pattern string) bool {
	switch pattern {
	case "", "*", "**", "/**":
		return true
	}
	return false
}

// Ensure the implementation satisfies the interface.
var _ Policy = (*GlobPolicy)(nil)
