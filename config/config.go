// Package config loads the host configuration: built-in defaults, then
// ~/.skillhost/config.yaml, then SKILLHOST_* environment variables,
// strongest last. Configuration is read-only here; state files (grants,
// registry, audit ledger) are owned by their packages and never written
// through viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/health"
	"github.com/skillhost-dev/skillhost/session"
	"github.com/skillhost-dev/skillhost/supervisor"
)

const (
	fileName  = "config"
	fileType  = "yaml"
	envPrefix = "SKILLHOST"
	homeName  = ".skillhost"
)

// Dir returns the host profile directory (~/.skillhost).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return homeName
	}
	return filepath.Join(home, homeName)
}

// FilePath returns the configuration file path inside Dir.
func FilePath() string {
	return filepath.Join(Dir(), fileName+"."+fileType)
}

// EnsureDir creates the profile directory when missing. Grants and
// credentials live under it, so it is private to the user.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create profile dir %s: %w", dir, err)
	}
	return nil
}

// Settings is the merged host configuration.
type Settings struct {
	// Mode is the global tool mode. In read-only mode write and execute
	// class capabilities are denied even when granted.
	Mode capability.Mode

	// DataDir holds all persisted state: the installed-skill registry,
	// grants file, runtime cache, and audit ledger.
	DataDir string

	// PoolSize is the per-skill process pool limit.
	PoolSize int

	InvokeTimeout    time.Duration
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration

	ProbeInterval   time.Duration
	ProbeSoftBudget time.Duration
	ProbeHardBudget time.Duration

	// AutoInstall permits downloading a runtime installer when
	// resolution finds nothing on the host.
	AutoInstall bool

	// RequireSignature refuses remote bundles that fail, or arrive
	// without, cosign verification.
	RequireSignature bool
}

// Defaults returns the built-in settings without consulting any file or
// environment variable.
func Defaults() Settings {
	return Settings{
		Mode:             capability.ModeFull,
		DataDir:          Dir(),
		PoolSize:         supervisor.DefaultPoolSize,
		InvokeTimeout:    session.DefaultInvokeTimeout,
		HandshakeTimeout: supervisor.DefaultHandshakeTimeout,
		ShutdownGrace:    supervisor.DefaultShutdownGrace,
		ProbeInterval:    health.DefaultProbeInterval,
		ProbeSoftBudget:  health.DefaultSoftBudget,
		ProbeHardBudget:  health.DefaultHardBudget,
		AutoInstall:      true,
		RequireSignature: false,
	}
}

// GrantsPath is the capability grants file inside the data dir.
func (s Settings) GrantsPath() string {
	return filepath.Join(s.DataDir, "grants.yaml")
}

// AuditPath is the SQLite audit ledger inside the data dir.
func (s Settings) AuditPath() string {
	return filepath.Join(s.DataDir, "audit.db")
}

// RuntimeCachePath caches resolved runtime paths and verified versions.
func (s Settings) RuntimeCachePath() string {
	return filepath.Join(s.DataDir, "runtimes.json")
}

// Load reads the configuration at path, or FilePath() when path is empty.
// A missing file is not an error; defaults and environment overrides stand.
func Load(path string) (Settings, error) {
	if path == "" {
		path = FilePath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(fileType)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return settingsFrom(v)
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("pool_size", d.PoolSize)
	v.SetDefault("invoke_timeout", d.InvokeTimeout)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("probe_interval", d.ProbeInterval)
	v.SetDefault("probe_soft_budget", d.ProbeSoftBudget)
	v.SetDefault("probe_hard_budget", d.ProbeHardBudget)
	v.SetDefault("auto_install", d.AutoInstall)
	v.SetDefault("require_signature", d.RequireSignature)
}

func settingsFrom(v *viper.Viper) (Settings, error) {
	mode, err := capability.ParseMode(v.GetString("mode"))
	if err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	s := Settings{
		Mode:             mode,
		DataDir:          v.GetString("data_dir"),
		PoolSize:         v.GetInt("pool_size"),
		InvokeTimeout:    v.GetDuration("invoke_timeout"),
		HandshakeTimeout: v.GetDuration("handshake_timeout"),
		ShutdownGrace:    v.GetDuration("shutdown_grace"),
		ProbeInterval:    v.GetDuration("probe_interval"),
		ProbeSoftBudget:  v.GetDuration("probe_soft_budget"),
		ProbeHardBudget:  v.GetDuration("probe_hard_budget"),
		AutoInstall:      v.GetBool("auto_install"),
		RequireSignature: v.GetBool("require_signature"),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings no component could run with.
func (s Settings) Validate() error {
	if s.DataDir == "" {
		return errors.New("config: data_dir must not be empty")
	}
	if s.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be at least 1, got %d", s.PoolSize)
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"invoke_timeout", s.InvokeTimeout},
		{"handshake_timeout", s.HandshakeTimeout},
		{"shutdown_grace", s.ShutdownGrace},
		{"probe_interval", s.ProbeInterval},
		{"probe_soft_budget", s.ProbeSoftBudget},
		{"probe_hard_budget", s.ProbeHardBudget},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", d.name, d.value)
		}
	}
	if s.ProbeHardBudget < s.ProbeSoftBudget {
		return fmt.Errorf("config: probe_hard_budget %s is below probe_soft_budget %s",
			s.ProbeHardBudget, s.ProbeSoftBudget)
	}
	return nil
}
