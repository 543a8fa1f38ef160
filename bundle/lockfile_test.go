package bundle_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/bundle"
)

func TestLockfile_AddSkill(t *testing.T) {
	lock := bundle.NewLockfile()

	err := lock.AddSkill("weather", bundle.SkillLock{
		Requested: "oci://ghcr.io/acme/skills/weather:1.2.0",
		Resolved:  "oci://ghcr.io/acme/skills/weather:1.2.0",
		Digest:    "sha256:abc123",
		Fetched:   time.Now(),
	})
	require.NoError(t, err)

	pin := lock.Skill("weather")
	require.NotNil(t, pin)
	assert.Equal(t, "sha256:abc123", pin.Digest)
	assert.Nil(t, lock.Skill("unknown"))
}

func TestLockfile_AddSkillRequiresDigest(t *testing.T) {
	lock := bundle.NewLockfile()

	assert.Error(t, lock.AddSkill("weather", bundle.SkillLock{Requested: "weather"}))
	assert.Error(t, lock.AddSkill("weather", bundle.SkillLock{Digest: "not-a-digest"}))
	assert.Nil(t, lock.Skill("weather"))
}

func TestLockfile_RemoveSkill(t *testing.T) {
	lock := bundle.NewLockfile()
	require.NoError(t, lock.AddSkill("weather", bundle.SkillLock{Digest: "sha256:abc123"}))

	assert.True(t, lock.RemoveSkill("weather"))
	assert.False(t, lock.RemoveSkill("weather"))
	assert.Nil(t, lock.Skill("weather"))
}

func TestFileLockfileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := bundle.NewFileLockfileStore()
	path := filepath.Join(t.TempDir(), "skillhost.lock")

	lock := bundle.NewLockfile()
	lock.Generated = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, lock.AddSkill("weather", bundle.SkillLock{
		Requested: "weather",
		Resolved:  "oci://ghcr.io/acme/skills/weather:1.2.0",
		Digest:    "sha256:abc123",
		Fetched:   time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}))
	require.NoError(t, store.Save(ctx, lock, path))

	loaded, err := store.Load(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	pin := loaded.Skill("weather")
	require.NotNil(t, pin)
	assert.Equal(t, "sha256:abc123", pin.Digest)
	assert.Equal(t, "oci://ghcr.io/acme/skills/weather:1.2.0", pin.Resolved)
	assert.True(t, loaded.Generated.Equal(lock.Generated))

	// No stray temp file after the atomic replace.
	matches, err := filepath.Glob(path + ".tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileLockfileStore_MissingFileIsNotAnError(t *testing.T) {
	store := bundle.NewFileLockfileStore()

	lock, err := store.Load(context.Background(), filepath.Join(t.TempDir(), "absent.lock"))
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestFileLockfileStore_RejectsCorruptAndNewer(t *testing.T) {
	ctx := context.Background()
	store := bundle.NewFileLockfileStore()
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.lock")
	require.NoError(t, os.WriteFile(corrupt, []byte("{{nope"), 0o644))
	_, err := store.Load(ctx, corrupt)
	assert.ErrorContains(t, err, "parse lockfile")

	newer := filepath.Join(dir, "newer.lock")
	require.NoError(t, os.WriteFile(newer, []byte("lockfile_version: 99\ngenerated: 2026-03-04T05:06:07Z\n"), 0o644))
	_, err = store.Load(ctx, newer)
	assert.ErrorContains(t, err, "version 99")
}
