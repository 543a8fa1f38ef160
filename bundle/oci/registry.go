// Package oci pulls skill bundles from OCI registries.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/skillhost-dev/skillhost/bundle"
	"github.com/skillhost-dev/skillhost/bundle/values"
)

// Media types for skill bundle artifacts.
const (
	// MediaTypeConfig marks the config layer holding the skill summary.
	MediaTypeConfig = "application/vnd.skillhost.skill.config.v1+json"
	// MediaTypeBundleLayer marks the layer holding the packed bundle.
	MediaTypeBundleLayer = "application/vnd.skillhost.skill.bundle.v1.tar+gzip"
)

// RegistryAdapter implements bundle.Registry using oras-go.
type RegistryAdapter struct {
	auth bundle.AuthProvider
}

var _ bundle.Registry = (*RegistryAdapter)(nil)

// NewRegistryAdapter creates an OCI registry adapter. A nil auth provider
// pulls anonymously.
func NewRegistryAdapter(auth bundle.AuthProvider) *RegistryAdapter {
	return &RegistryAdapter{auth: auth}
}

// Pull downloads a skill bundle from an OCI registry.
func (a *RegistryAdapter) Pull(ctx context.Context, ref values.Reference) (*bundle.Artifact, error) {
	repo, err := remote.NewRepository(ref.Locator())
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	if a.auth != nil {
		username, password, err := a.auth.Credentials(ctx, ref.Registry())
		if err == nil && username != "" {
			repo.Client = &auth.Client{
				Credential: func(ctx context.Context, registry string) (auth.Credential, error) {
					return auth.Credential{
						Username: username,
						Password: password,
					}, nil
				},
			}
		}
	}

	memoryStore := memory.New()
	manifestDesc, err := oras.Copy(ctx, repo, ref.Tag(), memoryStore, ref.Tag(), oras.CopyOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull artifact: %w", err)
	}

	manifestBytes, err := fetchAll(ctx, memoryStore, manifestDesc)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}

	layerDesc, err := findBundleLayer(&manifest)
	if err != nil {
		return nil, err
	}
	layerBytes, err := fetchAll(ctx, memoryStore, layerDesc)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle layer: %w", err)
	}

	digest, err := values.ParseDigest(string(layerDesc.Digest))
	if err != nil {
		return nil, fmt.Errorf("bundle layer digest: %w", err)
	}

	return &bundle.Artifact{
		Ref:     ref,
		Digest:  digest,
		Summary: fetchSummary(ctx, memoryStore, manifest.Config),
		Archive: io.NopCloser(bytes.NewReader(layerBytes)),
	}, nil
}

func fetchAll(ctx context.Context, store *memory.Store, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := store.Fetch(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}

// fetchSummary reads the config layer as a skill summary. The summary is
// advisory; the manifest inside the archive stays authoritative, so a
// missing or foreign config layer is not an error.
func fetchSummary(ctx context.Context, store *memory.Store, desc ocispec.Descriptor) *bundle.Summary {
	if desc.MediaType != MediaTypeConfig {
		return nil
	}
	data, err := fetchAll(ctx, store, desc)
	if err != nil {
		return nil
	}
	var summary bundle.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil
	}
	return &summary
}

func findBundleLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeBundleLayer {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("no bundle layer found (media type %s)", MediaTypeBundleLayer)
}
