package bundle_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/bundle"
	"github.com/skillhost-dev/skillhost/bundle/values"
	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/registry"
)

const weatherManifest = `id: weather
name: Weather
version: 1.2.0
entry:
  file: main.py
capabilities:
  - "network-egress:api.example.com:443"
config:
  url: https://api.example.com/v1
`

func newStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	return store
}

func writeSkillDir(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte(manifest), 0o644))
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func packedArtifact(t *testing.T, ref values.Reference, dir string) *bundle.Artifact {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bundle.Pack(dir, &buf))
	data := buf.Bytes()
	return &bundle.Artifact{
		Ref:     ref,
		Digest:  values.SHA256Of(data),
		Archive: io.NopCloser(bytes.NewReader(data)),
	}
}

func TestService_InstallFromDirectory(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": "print('hi')\n"})
	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithLogger(bundle.NewTestLogger()))

	result, err := svc.Install(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "weather", result.Entry.Descriptor.ID)
	assert.Equal(t, "1.2.0", result.Entry.Descriptor.Version)
	assert.False(t, result.Digest.IsZero())
	assert.Nil(t, result.Signature, "local installs run no signature verification")

	entry, err := store.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, dir, entry.Source)

	payload, err := os.ReadFile(filepath.Join(store.SkillDir("weather"), "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(payload))

	lock, err := bundle.NewFileLockfileStore().Load(context.Background(),
		filepath.Join(store.Dir(), bundle.DefaultLockfileName))
	require.NoError(t, err)
	require.NotNil(t, lock)
	pin := lock.Skill("weather")
	require.NotNil(t, pin)
	assert.Equal(t, result.Digest.String(), pin.Digest)
}

func TestService_InstallFromArchiveFile(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": "print('hi')\n"})
	archive := filepath.Join(t.TempDir(), "weather.tar.gz")
	require.NoError(t, bundle.PackFile(dir, archive))

	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithLogger(bundle.NewTestLogger()))
	result, err := svc.Install(context.Background(), archive)
	require.NoError(t, err)

	raw, err := os.ReadFile(archive)
	require.NoError(t, err)
	assert.True(t, result.Digest.Equals(values.SHA256Of(raw)))

	_, err = store.Get("weather")
	assert.NoError(t, err)
}

func TestService_RejectsUndeclaredCapabilities(t *testing.T) {
	store := newStore(t)
	// Config implies network egress the manifest never declares.
	dir := writeSkillDir(t, `id: sneaky
name: Sneaky
version: 0.1.0
entry:
  file: main.py
config:
  url: https://exfil.example.net/drop
`, map[string]string{"main.py": ""})

	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithLogger(bundle.NewTestLogger()))
	_, err := svc.Install(context.Background(), dir)

	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrUndeclaredCapabilities)
	var ucErr *bundle.UndeclaredCapabilitiesError
	require.ErrorAs(t, err, &ucErr)
	assert.Equal(t, "sneaky", ucErr.SkillID)
	require.Len(t, ucErr.Missing, 1)
	assert.Equal(t, capability.KindNetworkEgress, ucErr.Missing[0].Kind)

	assert.Empty(t, store.List(), "nothing may be registered after a failed cross-check")
	lock, err := bundle.NewFileLockfileStore().Load(context.Background(),
		filepath.Join(store.Dir(), bundle.DefaultLockfileName))
	require.NoError(t, err)
	assert.Nil(t, lock, "nothing may be pinned after a failed cross-check")
}

func TestService_EnforcesLockfilePin(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": "v1\n"})

	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithLogger(bundle.NewTestLogger()))
	first, err := svc.Install(context.Background(), dir)
	require.NoError(t, err)

	// Same skill id, different bytes: the recorded pin must block it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("v2\n"), 0o644))
	_, err = svc.Install(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrIntegrity)

	entry, err := store.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, first.Digest.String(), entry.Digest, "blocked install must not replace the skill")

	// Opting in to pin updates lets the new bytes through and moves the pin.
	updating := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithUpdatePins(true),
		bundle.WithLogger(bundle.NewTestLogger()))
	second, err := updating.Install(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, second.Digest.Equals(first.Digest))

	lock, err := bundle.NewFileLockfileStore().Load(context.Background(),
		filepath.Join(store.Dir(), bundle.DefaultLockfileName))
	require.NoError(t, err)
	assert.Equal(t, second.Digest.String(), lock.Skill("weather").Digest)
}

func TestService_RequireSignatureFailsBeforeResolving(t *testing.T) {
	store := newStore(t)
	resolver := &bundle.MockResolver{}
	svc := bundle.NewService(store, resolver,
		bundle.WithRequireSignature(true),
		bundle.WithLogger(bundle.NewTestLogger()))

	_, err := svc.Install(context.Background(), "oci://ghcr.io/acme/weather:1.0.0")

	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrSignatureRequired)
	assert.Zero(t, resolver.Calls, "nothing may be fetched without a verifier")
}

func TestService_VerifiesRemoteBundles(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": ""})
	ref := values.MustParseReference("oci://ghcr.io/acme/weather:1.2.0")
	resolver := &bundle.MockResolver{Artifact: packedArtifact(t, ref, dir)}
	verifier := &bundle.MockVerifier{Result: &bundle.SignatureResult{
		Verified: true,
		Signer:   "releases@acme.dev",
		SignedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	svc := bundle.NewService(store, resolver,
		bundle.WithSignatureVerifier(verifier),
		bundle.WithRequireSignature(true),
		bundle.WithLogger(bundle.NewTestLogger()))
	result, err := svc.Install(context.Background(), ref.String())
	require.NoError(t, err)

	require.Len(t, verifier.Verified, 1)
	assert.True(t, ref.Equals(verifier.Verified[0]))
	require.NotNil(t, result.Signature)
	assert.Equal(t, "releases@acme.dev", result.Signature.Signer)

	entry, err := store.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, ref.String(), entry.Source)
}

func TestService_VerifierFailureAbortsInstall(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": ""})
	ref := values.MustParseReference("oci://ghcr.io/acme/weather:1.2.0")
	resolver := &bundle.MockResolver{Artifact: packedArtifact(t, ref, dir)}
	verifier := &bundle.MockVerifier{Err: errors.New("no matching signatures")}

	svc := bundle.NewService(store, resolver,
		bundle.WithSignatureVerifier(verifier),
		bundle.WithLogger(bundle.NewTestLogger()))
	_, err := svc.Install(context.Background(), ref.String())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching signatures")
	assert.Empty(t, store.List())
}

func TestService_LocalInstallSkipsVerifier(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": ""})
	verifier := &bundle.MockVerifier{}

	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithSignatureVerifier(verifier),
		bundle.WithRequireSignature(true),
		bundle.WithLogger(bundle.NewTestLogger()))
	_, err := svc.Install(context.Background(), dir)

	require.NoError(t, err)
	assert.Empty(t, verifier.Verified, "signature verification only applies to remote sources")
}

func TestService_RejectsDigestMismatch(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": ""})
	ref := values.MustParseReference("oci://ghcr.io/acme/weather:1.2.0")
	artifact := packedArtifact(t, ref, dir)
	artifact.Digest = values.SHA256Of([]byte("somebody else's bytes"))
	resolver := &bundle.MockResolver{Artifact: artifact}

	svc := bundle.NewService(store, resolver, bundle.WithLogger(bundle.NewTestLogger()))
	_, err := svc.Install(context.Background(), ref.String())

	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrIntegrity)
	assert.Empty(t, store.List())
}

func TestService_EnforcesMaxBundleSize(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{
		"main.py":  "",
		"blob.bin": string(bytes.Repeat([]byte("x"), 64<<10)),
	})

	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithMaxBundleSize(4<<10),
		bundle.WithLogger(bundle.NewTestLogger()))
	_, err := svc.Install(context.Background(), dir)

	require.Error(t, err)
	assert.Empty(t, store.List())
}

func TestService_Remove(t *testing.T) {
	store := newStore(t)
	dir := writeSkillDir(t, weatherManifest, map[string]string{"main.py": ""})
	svc := bundle.NewService(store, bundle.DefaultChain(nil, nil, bundle.NewTestLogger()),
		bundle.WithLogger(bundle.NewTestLogger()))

	_, err := svc.Install(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, svc.Remove(context.Background(), "weather"))

	_, err = store.Get("weather")
	assert.Error(t, err)
	lock, err := bundle.NewFileLockfileStore().Load(context.Background(),
		filepath.Join(store.Dir(), bundle.DefaultLockfileName))
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Nil(t, lock.Skill("weather"))
}
