package registry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/registry"
)

// tickClock hands out strictly increasing times so snapshot names never
// collide.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func openStore(t *testing.T, dir string) *registry.Store {
	t.Helper()
	clock := &tickClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s, err := registry.Open(dir, registry.WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func newDescriptor(id, version string) *manifest.SkillDescriptor {
	return &manifest.SkillDescriptor{
		ID:      id,
		Name:    "Weather",
		Version: version,
		Runtime: manifest.RuntimeSpec{Kind: manifest.RuntimeUV},
		Entry:   manifest.EntrySpec{File: "skill.py"},
		Mode:    manifest.RunModeDaemon,
	}
}

// stageBundle builds an unpacked bundle tree inside the store's data dir,
// where Install expects staged content.
func stageBundle(t *testing.T, s *registry.Store, files map[string]string) string {
	t.Helper()
	dir, err := os.MkdirTemp(s.Dir(), ".staging-")
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func Test_Store_OpenEmptyDir(t *testing.T) {
	s := openStore(t, t.TempDir())

	assert.Empty(t, s.List())

	_, err := s.Get("weather")
	require.Error(t, err)
	assert.ErrorIs(t, err, hosterr.ErrSkillNotFound)
	var notInstalled *registry.NotInstalledError
	require.ErrorAs(t, err, &notInstalled)
	assert.Equal(t, "weather", notInstalled.ID)
}

func Test_Store_InstallAndGet(t *testing.T) {
	s := openStore(t, t.TempDir())

	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{
		Source: "oci://ghcr.io/acme/weather:1.0.0",
		Digest: "sha256:abc123",
	})
	require.NoError(t, err)

	e, err := s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, e.State)
	assert.Empty(t, e.StateReason)
	assert.Equal(t, "oci://ghcr.io/acme/weather:1.0.0", e.Source)
	assert.Equal(t, "sha256:abc123", e.Digest)
	assert.Equal(t, "1.0.0", e.Descriptor.Version)
	assert.False(t, e.InstalledAt.IsZero())
	assert.False(t, e.UpdatedAt.Before(e.InstalledAt))
}

func Test_Store_GetReturnsACopy(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{})
	require.NoError(t, err)

	e, err := s.Get("weather")
	require.NoError(t, err)
	e.Descriptor.Name = "mutated"
	e.State = registry.StateQuarantined

	again, err := s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "Weather", again.Descriptor.Name)
	assert.Equal(t, registry.StateActive, again.State)
}

func Test_Store_ListSortsByID(t *testing.T) {
	s := openStore(t, t.TempDir())
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Install(newDescriptor(id, "1.0.0"), registry.InstallOptions{})
		require.NoError(t, err)
	}

	var ids []string
	for _, e := range s.List() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func Test_Store_InstallRejectsInvalidDescriptor(t *testing.T) {
	s := openStore(t, t.TempDir())

	bad := newDescriptor("weather", "1.0.0")
	bad.Name = ""
	_, err := s.Install(bad, registry.InstallOptions{})
	require.Error(t, err)

	_, err = s.Install(nil, registry.InstallOptions{})
	require.Error(t, err)
	assert.Empty(t, s.List())
}

func Test_Store_PersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	_, err := s.Install(newDescriptor("weather", "1.2.0"), registry.InstallOptions{Source: "/tmp/weather"})
	require.NoError(t, err)
	require.NoError(t, s.Disable("weather", "maintenance"))

	reopened := openStore(t, dir)
	e, err := reopened.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateDisabled, e.State)
	assert.Equal(t, "maintenance", e.StateReason)
	assert.Equal(t, "1.2.0", e.Descriptor.Version)
	assert.Equal(t, "/tmp/weather", e.Source)
}

func Test_Store_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Disable("weather", ""))
	require.NoError(t, s.Enable("weather"))

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	data, err := os.ReadFile(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	var doc struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1, doc.Version)
}

func Test_Store_ReinstallSnapshotsPrevious(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{})
	require.NoError(t, err)

	first, err := s.Get("weather")
	require.NoError(t, err)

	_, err = s.Install(newDescriptor("weather", "2.0.0"), registry.InstallOptions{})
	require.NoError(t, err)

	snaps, err := s.Snapshots("weather")
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	e, err := s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", e.Descriptor.Version)
	assert.Equal(t, registry.StateActive, e.State)
	assert.Equal(t, first.InstalledAt, e.InstalledAt)
	assert.True(t, e.UpdatedAt.After(first.UpdatedAt))
}

func Test_Store_SnapshotFilesAreManifests(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{})
	require.NoError(t, err)
	_, err = s.Install(newDescriptor("weather", "2.0.0"), registry.InstallOptions{})
	require.NoError(t, err)

	snaps, err := s.Snapshots("weather")
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "weather", snaps[0]))
	require.NoError(t, err)
	d, err := manifest.NewJSONParser().Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "weather", d.ID)
	assert.Equal(t, "1.0.0", d.Version)
}

func Test_Store_InstallPlacesBundle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	staged := stageBundle(t, s, map[string]string{"skill.py": "print('v1')"})
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(s.SkillDir("weather"), "skill.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v1')", string(content))
	assert.NoDirExists(t, staged)

	staged = stageBundle(t, s, map[string]string{"skill.py": "print('v2')"})
	_, err = s.Install(newDescriptor("weather", "2.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)

	content, err = os.ReadFile(filepath.Join(s.SkillDir("weather"), "skill.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v2')", string(content))
	assert.NoDirExists(t, s.SkillDir("weather")+".previous")
}

func Test_Store_DisableParksBundle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	staged := stageBundle(t, s, map[string]string{"skill.py": "print('hi')"})
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)

	require.NoError(t, s.Disable("weather", "flaky upstream"))

	e, err := s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateDisabled, e.State)
	assert.Equal(t, "flaky upstream", e.StateReason)
	assert.NoDirExists(t, s.SkillDir("weather"))
	assert.FileExists(t, filepath.Join(dir, "disabled", "weather", "skill.py"))

	// Disabling twice changes nothing and takes no extra snapshot.
	snaps, err := s.Snapshots("weather")
	require.NoError(t, err)
	require.NoError(t, s.Disable("weather", "again"))
	after, err := s.Snapshots("weather")
	require.NoError(t, err)
	assert.Equal(t, snaps, after)
	e, err = s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "flaky upstream", e.StateReason)
}

func Test_Store_EnableRestoresBundle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	staged := stageBundle(t, s, map[string]string{"skill.py": "print('hi')"})
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)
	require.NoError(t, s.Disable("weather", "maintenance"))

	require.NoError(t, s.Enable("weather"))

	e, err := s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, e.State)
	assert.Empty(t, e.StateReason)
	assert.FileExists(t, filepath.Join(s.SkillDir("weather"), "skill.py"))
	assert.NoDirExists(t, filepath.Join(dir, "disabled", "weather"))

	// Enabling an active skill is a no-op.
	require.NoError(t, s.Enable("weather"))
}

func Test_Store_QuarantineLifecycle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	staged := stageBundle(t, s, map[string]string{"skill.py": "print('hi')"})
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)

	require.NoError(t, s.Quarantine("weather", "3 forced restarts within 10m"))

	e, err := s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateQuarantined, e.State)
	assert.Equal(t, "3 forced restarts within 10m", e.StateReason)
	assert.NoDirExists(t, s.SkillDir("weather"))
	assert.FileExists(t, filepath.Join(dir, "disabled", "weather", "skill.py"))

	// Quarantining again keeps the first reason.
	require.NoError(t, s.Quarantine("weather", "other"))
	e, err = s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "3 forced restarts within 10m", e.StateReason)

	// An operator can put the skill straight back in rotation.
	require.NoError(t, s.Enable("weather"))
	e, err = s.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, e.State)
	assert.Empty(t, e.StateReason)
	assert.FileExists(t, filepath.Join(s.SkillDir("weather"), "skill.py"))
}

func Test_Store_QuarantineDisabledSkillFails(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Disable("weather", ""))

	err = s.Quarantine("weather", "unresponsive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func Test_Store_RemovePurges(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	staged := stageBundle(t, s, map[string]string{"skill.py": "print('hi')"})
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)
	_, err = s.Install(newDescriptor("weather", "2.0.0"), registry.InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Disable("weather", ""))

	require.NoError(t, s.Remove("weather"))

	_, err = s.Get("weather")
	assert.ErrorIs(t, err, hosterr.ErrSkillNotFound)
	assert.NoDirExists(t, s.SkillDir("weather"))
	assert.NoDirExists(t, filepath.Join(dir, "disabled", "weather"))
	assert.NoDirExists(t, filepath.Join(dir, "snapshots", "weather"))

	err = s.Remove("weather")
	assert.ErrorIs(t, err, hosterr.ErrSkillNotFound)
}

func Test_Store_RollbackRestoresLatestSnapshot(t *testing.T) {
	s := openStore(t, t.TempDir())
	for _, version := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		_, err := s.Install(newDescriptor("weather", version), registry.InstallOptions{})
		require.NoError(t, err)
	}

	e, err := s.Rollback("weather")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", e.Descriptor.Version)
	assert.Equal(t, registry.StateActive, e.State)

	// The snapshot is not consumed: rolling back again lands on the same
	// descriptor.
	e, err = s.Rollback("weather")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", e.Descriptor.Version)
}

func Test_Store_RollbackWithoutSnapshotFails(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{})
	require.NoError(t, err)

	_, err = s.Rollback("weather")
	assert.ErrorIs(t, err, registry.ErrNoSnapshot)

	_, err = s.Rollback("missing")
	assert.ErrorIs(t, err, hosterr.ErrSkillNotFound)
}

func Test_Store_RollbackFromQuarantineRestoresBundle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	staged := stageBundle(t, s, map[string]string{"skill.py": "print('hi')"})
	_, err := s.Install(newDescriptor("weather", "1.0.0"), registry.InstallOptions{BundleDir: staged})
	require.NoError(t, err)
	require.NoError(t, s.Quarantine("weather", "unresponsive"))

	e, err := s.Rollback("weather")
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, e.State)
	assert.Empty(t, e.StateReason)
	assert.Equal(t, "1.0.0", e.Descriptor.Version)
	assert.FileExists(t, filepath.Join(s.SkillDir("weather"), "skill.py"))
}

func Test_Store_OpenRejectsCorruptRegistry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"), []byte("{not json"), 0o644))

	_, err := registry.Open(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse registry")
}

func Test_Store_OpenRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"), []byte(`{"version": 99, "skills": []}`), 0o644))

	_, err := registry.Open(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 99")
}

func Test_Store_MutatingUnknownSkillFails(t *testing.T) {
	s := openStore(t, t.TempDir())

	assert.ErrorIs(t, s.Disable("ghost", ""), hosterr.ErrSkillNotFound)
	assert.ErrorIs(t, s.Enable("ghost"), hosterr.ErrSkillNotFound)
	assert.ErrorIs(t, s.Quarantine("ghost", ""), hosterr.ErrSkillNotFound)
	_, err := s.Snapshots("ghost")
	assert.ErrorIs(t, err, hosterr.ErrSkillNotFound)
}
