package bundle

import (
	"context"
	"time"

	"github.com/skillhost-dev/skillhost/bundle/values"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/registry"
)

// Resolver locates a bundle archive for a reference. Resolvers form a chain;
// one that cannot serve a reference delegates to the next.
type Resolver interface {
	// Resolve returns the bundle archive, or falls through to the next
	// resolver. A chain with no answer returns a NotFoundError.
	Resolve(ctx context.Context, ref values.Reference) (*Artifact, error)

	// SetNext links the fallback resolver.
	SetNext(next Resolver)
}

// Registry pulls bundle artifacts from a remote OCI registry.
type Registry interface {
	Pull(ctx context.Context, ref values.Reference) (*Artifact, error)
}

// AuthProvider supplies registry credentials. Empty username means
// anonymous access.
type AuthProvider interface {
	Credentials(ctx context.Context, registry string) (username, password string, err error)
}

// SignatureVerifier checks the signature on a remote bundle. Verification
// runs before any archive byte is unpacked.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, ref values.Reference) (*SignatureResult, error)
}

// SignatureResult reports who signed a bundle and where the signature is
// logged.
type SignatureResult struct {
	Verified        bool
	Signer          string
	SignedAt        time.Time
	TransparencyLog string
}

// LockfileStore persists digest pins.
type LockfileStore interface {
	// Load reads the lockfile at path. A missing file is (nil, nil).
	Load(ctx context.Context, path string) (*Lockfile, error)
	Save(ctx context.Context, lock *Lockfile, path string) error
}

// Registrar is the slice of the skill registry the installer drives.
// *registry.Store satisfies it.
type Registrar interface {
	Dir() string
	SkillDir(id string) string
	Install(desc *manifest.SkillDescriptor, opts registry.InstallOptions) (*registry.Entry, error)
	Remove(id string) error
}
