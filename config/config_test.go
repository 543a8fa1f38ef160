package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func Test_Load_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, capability.ModeFull, cfg.Mode)
	assert.Equal(t, 1, cfg.PoolSize)
	assert.Equal(t, 5*time.Minute, cfg.InvokeTimeout)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 3*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.ProbeSoftBudget)
	assert.Equal(t, 10*time.Second, cfg.ProbeHardBudget)
	assert.True(t, cfg.AutoInstall)
	assert.False(t, cfg.RequireSignature)
	assert.NotEmpty(t, cfg.DataDir)
}

func Test_Load_File(t *testing.T) {
	path := writeConfig(t, `
mode: read-only
data_dir: /var/lib/skillhost
pool_size: 2
invoke_timeout: 90s
probe_interval: 1m
auto_install: false
require_signature: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, capability.ModeReadOnly, cfg.Mode)
	assert.Equal(t, "/var/lib/skillhost", cfg.DataDir)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 90*time.Second, cfg.InvokeTimeout)
	assert.Equal(t, time.Minute, cfg.ProbeInterval)
	assert.False(t, cfg.AutoInstall)
	assert.True(t, cfg.RequireSignature)

	// Keys the file does not mention keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
}

func Test_Load_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pool_size: 2\n")
	t.Setenv("SKILLHOST_POOL_SIZE", "4")
	t.Setenv("SKILLHOST_MODE", "read-only")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, capability.ModeReadOnly, cfg.Mode)
}

func Test_Load_RejectsUnknownMode(t *testing.T) {
	_, err := config.Load(writeConfig(t, "mode: sideways\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool mode")
}

func Test_Load_RejectsZeroTimeout(t *testing.T) {
	_, err := config.Load(writeConfig(t, "invoke_timeout: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoke_timeout")
}

func Test_Load_RejectsPoolSizeZero(t *testing.T) {
	_, err := config.Load(writeConfig(t, "pool_size: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_size")
}

func Test_Load_RejectsInvertedProbeBudgets(t *testing.T) {
	_, err := config.Load(writeConfig(t, "probe_soft_budget: 10s\nprobe_hard_budget: 5s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_hard_budget")
}

func Test_Load_MalformedFile(t *testing.T) {
	_, err := config.Load(writeConfig(t, "pool_size: [unclosed\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func Test_Settings_Paths(t *testing.T) {
	s := config.Defaults()
	s.DataDir = filepath.Join("/data", "skillhost")

	assert.Equal(t, filepath.Join(s.DataDir, "grants.yaml"), s.GrantsPath())
	assert.Equal(t, filepath.Join(s.DataDir, "audit.db"), s.AuditPath())
	assert.Equal(t, filepath.Join(s.DataDir, "runtimes.json"), s.RuntimeCachePath())
}

func Test_EnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profile")
	require.NoError(t, config.EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
