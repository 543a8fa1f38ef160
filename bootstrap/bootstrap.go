// Package bootstrap locates or installs the interpreters skills run on,
// verifies minimum versions, and pre-warms dependency resolution so the
// first real invocation does not pay for package downloads.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/netutil"
)

// DefaultInstallerURL is the standalone uv installer script.
const DefaultInstallerURL = "https://astral.sh/uv/install.sh"

const cacheFileVersion = 1

// RuntimeInfo is one resolved runtime binary: where it lives and which
// version answered the probe.
type RuntimeInfo struct {
	Kind       manifest.RuntimeKind `json:"kind"`
	Path       string               `json:"path"`
	Version    string               `json:"version,omitempty"`
	ResolvedAt time.Time            `json:"resolved_at"`
}

// Bootstrapper resolves runtime binaries with a persisted per-kind cache.
// Resolution is serialized; probing a binary is slow enough that racing
// duplicates would only waste work.
type Bootstrapper struct {
	mu    sync.Mutex
	cache map[manifest.RuntimeKind]RuntimeInfo

	cachePath    string
	explicit     map[manifest.RuntimeKind]string
	autoInstall  bool
	installDir   string
	installerURL string
	downloader   *netutil.Downloader
	runner       Runner
	lookPath     func(file string) (string, error)
	logger       *slog.Logger
}

// BootstrapOption configures a Bootstrapper.
type BootstrapOption func(*Bootstrapper)

// WithExplicitPath pins a runtime kind to a configured binary path. The
// pinned path is tried before any search.
func WithExplicitPath(kind manifest.RuntimeKind, path string) BootstrapOption {
	return func(b *Bootstrapper) { b.explicit[kind] = path }
}

// WithAutoInstall toggles installing uv when no binary is found.
func WithAutoInstall(enabled bool) BootstrapOption {
	return func(b *Bootstrapper) { b.autoInstall = enabled }
}

// WithInstallDir sets the isolated directory auto-installs land in.
func WithInstallDir(dir string) BootstrapOption {
	return func(b *Bootstrapper) {
		if dir != "" {
			b.installDir = dir
		}
	}
}

// WithInstallerURL overrides the uv installer location.
func WithInstallerURL(url string) BootstrapOption {
	return func(b *Bootstrapper) {
		if url != "" {
			b.installerURL = url
		}
	}
}

// WithCachePath sets the resolution cache file. Empty disables persistence.
func WithCachePath(path string) BootstrapOption {
	return func(b *Bootstrapper) { b.cachePath = path }
}

// WithDownloader overrides the HTTP download client.
func WithDownloader(d *netutil.Downloader) BootstrapOption {
	return func(b *Bootstrapper) {
		if d != nil {
			b.downloader = d
		}
	}
}

// WithRunner overrides how probe and installer processes run.
func WithRunner(r Runner) BootstrapOption {
	return func(b *Bootstrapper) {
		if r != nil {
			b.runner = r
		}
	}
}

// WithLookPath overrides PATH lookup, mainly for tests.
func WithLookPath(fn func(file string) (string, error)) BootstrapOption {
	return func(b *Bootstrapper) {
		if fn != nil {
			b.lookPath = fn
		}
	}
}

// WithBootstrapLogger sets the structured logger.
func WithBootstrapLogger(l *slog.Logger) BootstrapOption {
	return func(b *Bootstrapper) {
		if l != nil {
			b.logger = l
		}
	}
}

// New builds a Bootstrapper. The cache file is loaded immediately and
// tolerantly: a missing or unreadable cache just means re-probing.
func New(opts ...BootstrapOption) *Bootstrapper {
	b := &Bootstrapper{
		cache:        make(map[manifest.RuntimeKind]RuntimeInfo),
		explicit:     make(map[manifest.RuntimeKind]string),
		autoInstall:  true,
		installerURL: DefaultInstallerURL,
		downloader:   netutil.NewDownloader(),
		runner:       ExecRunner{},
		lookPath:     defaultLookPath,
		logger:       slog.Default(),
	}
	if home, err := os.UserHomeDir(); err == nil {
		b.cachePath = filepath.Join(home, ".skillhost", "runtimes.json")
		b.installDir = filepath.Join(home, ".skillhost", "tools")
	}
	for _, opt := range opts {
		opt(b)
	}
	b.loadCache()
	return b
}

// Resolve finds the runtime binary for spec, probing and caching on first
// use. The skill's minimum-version constraint is checked on every call, so
// one cached binary can satisfy one skill and fail another.
func (b *Bootstrapper) Resolve(ctx context.Context, spec manifest.RuntimeSpec) (RuntimeInfo, error) {
	if spec.Kind == manifest.RuntimeBinary {
		// Self-contained skills carry their own executable; there is
		// nothing to locate or version-check.
		return RuntimeInfo{Kind: spec.Kind, ResolvedAt: time.Now()}, nil
	}

	constraint, err := spec.Constraint()
	if err != nil {
		return RuntimeInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.cache[spec.Kind]
	if !ok {
		info, err = b.resolveLocked(ctx, spec.Kind)
		if err != nil {
			return RuntimeInfo{}, err
		}
		b.cache[spec.Kind] = info
		b.saveCacheLocked()
	}

	return b.checkConstraint(info, spec, constraint)
}

// Invalidate drops one kind's cached resolution so the next Resolve
// re-probes from scratch.
func (b *Bootstrapper) Invalidate(kind manifest.RuntimeKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, kind)
	b.saveCacheLocked()
}

// InvalidateAll drops every cached resolution.
func (b *Bootstrapper) InvalidateAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[manifest.RuntimeKind]RuntimeInfo)
	b.saveCacheLocked()
}

// Cached returns a snapshot of the resolution cache for diagnostics.
func (b *Bootstrapper) Cached() []RuntimeInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RuntimeInfo, 0, len(b.cache))
	for _, info := range b.cache {
		out = append(out, info)
	}
	return out
}

func (b *Bootstrapper) checkConstraint(info RuntimeInfo, spec manifest.RuntimeSpec, c *semver.Constraints) (RuntimeInfo, error) {
	if c == nil || info.Version == "" {
		return info, nil
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		// Cached versions come from parseVersion and are canonical; a bad
		// one means a stale hand-edited cache. Re-probe next time.
		return info, nil
	}
	if !c.Check(v) {
		return RuntimeInfo{}, &hosterr.RuntimeTooOldError{
			Kind: string(spec.Kind), Path: info.Path,
			Found: info.Version, Min: spec.MinVersion,
		}
	}
	return info, nil
}

// resolveLocked runs the search order: explicit path, PATH, well-known
// directories, then auto-install for uv.
func (b *Bootstrapper) resolveLocked(ctx context.Context, kind manifest.RuntimeKind) (RuntimeInfo, error) {
	path, err := b.locate(kind)
	if err != nil && kind == manifest.RuntimeUV && b.autoInstall {
		if ierr := b.installUV(ctx); ierr != nil {
			return RuntimeInfo{}, &hosterr.UnavailableError{Kind: string(kind), Reason: "auto-install failed", Err: ierr}
		}
		path, err = b.locate(kind)
	}
	if err != nil {
		return RuntimeInfo{}, &hosterr.UnavailableError{Kind: string(kind), Reason: "binary not found", Err: err}
	}

	version, err := b.probeVersion(ctx, kind, path)
	if err != nil {
		return RuntimeInfo{}, &hosterr.UnavailableError{Kind: string(kind), Reason: "version probe failed", Err: err}
	}

	info := RuntimeInfo{Kind: kind, Path: path, Version: version, ResolvedAt: time.Now()}
	b.logger.Info("runtime resolved", "kind", string(kind), "path", path, "version", version)
	return info, nil
}

func (b *Bootstrapper) locate(kind manifest.RuntimeKind) (string, error) {
	name := binaryName(kind)

	if pinned := b.explicit[kind]; pinned != "" {
		if fileExists(pinned) {
			return pinned, nil
		}
		b.logger.Warn("configured runtime path not usable; falling back to search", "kind", string(kind), "path", pinned)
	}

	if path, err := b.lookPath(name); err == nil {
		return path, nil
	}

	for _, dir := range b.wellKnownDirs() {
		candidate := filepath.Join(dir, name)
		if fileExists(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or known install locations", name)
}

// wellKnownDirs lists user-local install locations, the isolated install
// directory first so auto-installed binaries win.
func (b *Bootstrapper) wellKnownDirs() []string {
	dirs := make([]string, 0, 5)
	if b.installDir != "" {
		dirs = append(dirs, b.installDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"), filepath.Join(home, ".cargo", "bin"))
	}
	return append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
}

func (b *Bootstrapper) probeVersion(ctx context.Context, kind manifest.RuntimeKind, path string) (string, error) {
	out, err := b.runner.Output(ctx, path, "--version")
	if err != nil {
		return "", fmt.Errorf("run %s --version: %w", path, err)
	}
	return parseVersion(kind, out)
}

// installUV downloads the standalone installer and runs it into the
// isolated install directory. Never touches the user's PATH or rc files.
func (b *Bootstrapper) installUV(ctx context.Context) error {
	if b.installDir == "" {
		return errors.New("no install directory configured")
	}
	b.logger.Info("uv not found; installing", "dir", b.installDir)

	if err := os.MkdirAll(b.installDir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}

	script := filepath.Join(b.installDir, "uv-install.sh")
	if _, err := b.downloader.DownloadFile(ctx, b.installerURL, script, 0o700); err != nil {
		return fmt.Errorf("download installer: %w", err)
	}
	defer os.Remove(script)

	env := []string{
		"UV_INSTALL_DIR=" + b.installDir,
		"UV_NO_MODIFY_PATH=1",
	}
	if err := b.runner.Run(ctx, b.installDir, env, "sh", script); err != nil {
		return fmt.Errorf("run installer: %w", err)
	}
	return nil
}

// PreWarm dry-runs the skill's entry point once so dependency resolution
// happens outside the first real invocation. The entry exiting nonzero is
// expected (skills do not understand the pre-warm run); only a missing
// binary is an error.
func (b *Bootstrapper) PreWarm(ctx context.Context, info RuntimeInfo, desc *manifest.SkillDescriptor, skillDir string) error {
	name, args := BuildCommand(info, desc, skillDir)
	err := b.runner.Run(ctx, skillDir, []string{"SKILLHOST_PREWARM=1"}, name, args...)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || isNotFound(err) {
			return &hosterr.UnavailableError{Kind: string(info.Kind), Reason: "entry point not runnable", Err: err}
		}
		b.logger.Debug("pre-warm run exited with error", "skill", desc.ID, "error", err)
	}
	return nil
}

type cacheFile struct {
	Version  int                    `json:"version"`
	Runtimes map[string]RuntimeInfo `json:"runtimes"`
}

func (b *Bootstrapper) loadCache() {
	if b.cachePath == "" {
		return
	}
	data, err := os.ReadFile(b.cachePath)
	if err != nil {
		return
	}
	var doc cacheFile
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != cacheFileVersion {
		b.logger.Warn("ignoring unreadable runtime cache", "path", b.cachePath)
		return
	}
	for name, info := range doc.Runtimes {
		b.cache[manifest.RuntimeKind(name)] = info
	}
}

func (b *Bootstrapper) saveCacheLocked() {
	if b.cachePath == "" {
		return
	}
	doc := cacheFile{Version: cacheFileVersion, Runtimes: make(map[string]RuntimeInfo, len(b.cache))}
	for kind, info := range b.cache {
		doc.Runtimes[string(kind)] = info
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.cachePath), 0o755); err != nil {
		b.logger.Warn("cannot persist runtime cache", "error", err)
		return
	}
	if err := os.WriteFile(b.cachePath, append(data, '\n'), 0o600); err != nil {
		b.logger.Warn("cannot persist runtime cache", "error", err)
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
