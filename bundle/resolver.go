package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/skillhost-dev/skillhost/bundle/values"
	"github.com/skillhost-dev/skillhost/manifest"
)

// ChainBase supplies the fall-through half of a resolver. Embed it and
// implement Resolve.
type ChainBase struct {
	next Resolver
}

// SetNext links the fallback resolver.
func (b *ChainBase) SetNext(next Resolver) { b.next = next }

// ResolveNext delegates to the fallback, or ends the chain with a
// NotFoundError.
func (b *ChainBase) ResolveNext(ctx context.Context, ref values.Reference) (*Artifact, error) {
	if b.next == nil {
		return nil, &NotFoundError{Ref: ref}
	}
	return b.next.Resolve(ctx, ref)
}

// Chain links resolvers in order and returns the head.
func Chain(head Resolver, rest ...Resolver) Resolver {
	prev := head
	for _, r := range rest {
		prev.SetNext(r)
		prev = r
	}
	return head
}

// DefaultChain wires the standard resolution order: local path, then cache,
// then registry.
func DefaultChain(cache *Cache, registry Registry, logger *slog.Logger) Resolver {
	return Chain(
		NewPathResolver(),
		NewCacheResolver(cache),
		NewRegistryResolver(registry, cache, logger),
	)
}

// PathResolver serves references that name a local archive file or bundle
// directory. Directories are packed on the fly; either way the caller gets
// the same archive stream a registry pull would yield.
type PathResolver struct {
	ChainBase
}

// NewPathResolver creates a local path resolver.
func NewPathResolver() *PathResolver {
	return &PathResolver{}
}

// Resolve implements Resolver. Bare names are tried as relative paths too,
// so a directory in the working tree wins over a cached pull of the same
// name.
func (r *PathResolver) Resolve(ctx context.Context, ref values.Reference) (*Artifact, error) {
	if ref.Kind() == values.KindOCI {
		return r.ResolveNext(ctx, ref)
	}

	candidate := ref.Path()
	if candidate == "" {
		candidate = ref.Source()
	}
	info, err := os.Stat(candidate)
	if err != nil {
		return r.ResolveNext(ctx, ref)
	}

	if info.IsDir() {
		return packDirectory(ref, candidate)
	}

	f, err := os.Open(candidate)
	if err != nil {
		return nil, err
	}
	return &Artifact{Ref: ref, Archive: f}, nil
}

func packDirectory(ref values.Reference, dir string) (*Artifact, error) {
	if !hasManifest(dir) {
		return nil, fmt.Errorf("directory %s has no skill manifest (expected one of %v)", dir, manifest.ManifestNames)
	}

	var buf bytes.Buffer
	if err := Pack(dir, &buf); err != nil {
		return nil, err
	}
	return &Artifact{
		Ref:     ref,
		Digest:  values.SHA256Of(buf.Bytes()),
		Archive: io.NopCloser(bytes.NewReader(buf.Bytes())),
	}, nil
}

func hasManifest(dir string) bool {
	for _, name := range manifest.ManifestNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// CacheResolver serves references already pulled into the local cache.
type CacheResolver struct {
	ChainBase
	cache *Cache
}

// NewCacheResolver creates a cache resolver. A nil cache always falls
// through.
func NewCacheResolver(cache *Cache) *CacheResolver {
	return &CacheResolver{cache: cache}
}

// Resolve implements Resolver. Cache misses fall through; a corrupt cache
// entry is an error the user should see, not a silent re-pull.
func (r *CacheResolver) Resolve(ctx context.Context, ref values.Reference) (*Artifact, error) {
	if r.cache == nil {
		return r.ResolveNext(ctx, ref)
	}

	artifact, err := r.cache.Find(ctx, ref)
	if err == nil {
		return artifact, nil
	}
	if errors.Is(err, ErrBundleNotFound) {
		return r.ResolveNext(ctx, ref)
	}
	return nil, err
}

// RegistryResolver pulls remote references and writes them through the
// cache, so the artifact handed on always has cache-verified bytes.
type RegistryResolver struct {
	ChainBase
	registry Registry
	cache    *Cache
	logger   *slog.Logger
}

// NewRegistryResolver creates a registry resolver. Without a cache the
// pulled artifact is handed on directly.
func NewRegistryResolver(registry Registry, cache *Cache, logger *slog.Logger) *RegistryResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryResolver{registry: registry, cache: cache, logger: logger}
}

// Resolve implements Resolver.
func (r *RegistryResolver) Resolve(ctx context.Context, ref values.Reference) (*Artifact, error) {
	if !ref.IsRemote() || r.registry == nil {
		return r.ResolveNext(ctx, ref)
	}

	r.logger.Info("pulling bundle", "ref", ref.String())
	artifact, err := r.registry.Pull(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref.String(), err)
	}

	if r.cache == nil {
		return artifact, nil
	}

	_, err = r.cache.Store(ctx, artifact)
	if cerr := artifact.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	cached, err := r.cache.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	r.logger.Info("bundle cached", "ref", ref.String(), "digest", cached.Digest.String())
	return cached, nil
}
