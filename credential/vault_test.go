package credential_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/credential"
)

func Test_Vault_RoundTrip(t *testing.T) {
	v := credential.NewVault(t.TempDir())

	require.NoError(t, v.Set("demo.skill.api_key", "sk-1"))
	got, err := v.Get("demo.skill.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", got)

	require.NoError(t, v.Set("demo.skill.api_key", "sk-2"))
	got, err = v.Get("demo.skill.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-2", got)

	require.NoError(t, v.Delete("demo.skill.api_key"))
	_, err = v.Get("demo.skill.api_key")
	assert.ErrorIs(t, err, credential.ErrNotStored)
	assert.NoError(t, v.Delete("demo.skill.api_key"))
}

func Test_Vault_EmptyVaultReadsAsNotStored(t *testing.T) {
	v := credential.NewVault(t.TempDir())
	_, err := v.Get("demo.skill.api_key")
	assert.ErrorIs(t, err, credential.ErrNotStored)
}

func Test_Vault_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := credential.NewVault(dir)
	require.NoError(t, first.Set("demo.skill.api_key", "sk-persisted"))

	second := credential.NewVault(dir)
	got, err := second.Get("demo.skill.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-persisted", got)
}

func Test_Vault_FilesAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	v := credential.NewVault(dir)
	require.NoError(t, v.Set("demo.skill.api_key", "sk-1"))

	for _, name := range []string{"vault.enc", "vault.key"} {
		st, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, os.FileMode(0o600), st.Mode().Perm(), name)
	}
}

func Test_Vault_ValueIsNotPlaintextOnDisk(t *testing.T) {
	dir := t.TempDir()
	v := credential.NewVault(dir)
	require.NoError(t, v.Set("demo.skill.api_key", "sk-live-4242424242"))

	raw, err := os.ReadFile(filepath.Join(dir, "vault.enc"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live-4242424242")
	assert.NotContains(t, string(raw), "api_key")
}

func Test_Vault_TamperedFileFailsClosed(t *testing.T) {
	dir := t.TempDir()
	v := credential.NewVault(dir)
	require.NoError(t, v.Set("demo.skill.api_key", "sk-1"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vault.enc"), []byte("bm90IGEgdmF1bHQ="), 0o600))

	fresh := credential.NewVault(dir)
	_, err := fresh.Get("demo.skill.api_key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, credential.ErrNotStored)
}
