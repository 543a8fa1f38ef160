// Package bundle installs skill bundles. A bundle is a gzipped tar archive
// carrying a skill manifest and the files its entry point needs. Install
// resolves a source string through a resolver chain (local path, then cache,
// then OCI registry), verifies provenance before unpacking, stages the
// archive, cross-checks the manifest's declared capabilities against what
// its config implies, scores the risk, and registers the skill.
package bundle

import (
	"io"

	"github.com/skillhost-dev/skillhost/bundle/values"
)

// DefaultMaxBundleSize caps how many archive bytes an install will read.
const DefaultMaxBundleSize = 256 << 20

// Lockfile pins live next to the registry's data unless configured away.
const DefaultLockfileName = "skillhost.lock"

// Artifact is a resolved bundle archive with its provenance. The Archive
// stream is single-use; Close releases it.
type Artifact struct {
	// Ref is the reference the artifact was resolved for.
	Ref values.Reference
	// Digest of the archive bytes. Zero when the source carries none, in
	// which case the installer computes one.
	Digest values.Digest
	// Summary is the registry-advertised metadata, when the source has any.
	// The authoritative descriptor lives inside the archive.
	Summary *Summary
	// Archive yields the gzipped tar bytes.
	Archive io.ReadCloser
}

// Close releases the archive stream.
func (a *Artifact) Close() error {
	if a == nil || a.Archive == nil {
		return nil
	}
	return a.Archive.Close()
}

// Summary is the descriptor outline an OCI config layer advertises before
// the archive is unpacked. Advisory only.
type Summary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}
