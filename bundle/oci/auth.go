package oci

import (
	"context"
	"os"

	"github.com/skillhost-dev/skillhost/bundle"
)

// Environment variables read by EnvAuthProvider.
const (
	EnvRegistryUsername = "SKILLHOST_REGISTRY_USERNAME"
	EnvRegistryPassword = "SKILLHOST_REGISTRY_PASSWORD"
)

// EnvAuthProvider retrieves registry credentials from environment
// variables.
type EnvAuthProvider struct{}

var _ bundle.AuthProvider = (*EnvAuthProvider)(nil)

// NewEnvAuthProvider creates a new environment-based auth provider.
func NewEnvAuthProvider() *EnvAuthProvider {
	return &EnvAuthProvider{}
}

// Credentials returns the username and password for a registry. Empty
// values mean anonymous access.
func (p *EnvAuthProvider) Credentials(ctx context.Context, registry string) (username, password string, err error) {
	return os.Getenv(EnvRegistryUsername), os.Getenv(EnvRegistryPassword), nil
}

// StaticAuthProvider serves fixed credentials, typically loaded from
// configuration.
type StaticAuthProvider struct {
	Username string
	Password string
}

var _ bundle.AuthProvider = (*StaticAuthProvider)(nil)

// Credentials returns the configured username and password.
func (p *StaticAuthProvider) Credentials(ctx context.Context, registry string) (username, password string, err error) {
	return p.Username, p.Password, nil
}
