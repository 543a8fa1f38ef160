package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/skillhost-dev/skillhost/bundle/values"
)

const (
	bundleFileName  = "bundle.tar.gz"
	digestFileName  = "digest"
	summaryFileName = "summary.json"
)

// Cache keeps pulled bundle archives on disk so reinstalls and rollbacks
// work offline. Layout mirrors the reference:
// <root>/<registry>/<repository>/<tag>/bundle.tar.gz plus a digest file.
type Cache struct {
	root string
}

// NewCache opens a bundle cache rooted at dir, defaulting to
// ~/.skillhost/cache/bundles.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".skillhost", "cache", "bundles")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle cache: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// entryDir maps an OCI reference to its cache directory, refusing anything
// that would resolve outside the cache root.
func (c *Cache) entryDir(ref values.Reference) (string, error) {
	if ref.Kind() != values.KindOCI {
		return "", fmt.Errorf("only registry bundles are cached, not %s references", ref.Kind())
	}

	rel := filepath.Join(ref.Registry(), filepath.FromSlash(ref.Repository()), ref.Tag())
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("reference %q maps to an absolute cache path", ref.String())
	}

	cleanRoot := filepath.Clean(c.root)
	dir := filepath.Clean(filepath.Join(cleanRoot, rel))
	if dir != cleanRoot && !strings.HasPrefix(dir, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("reference %q escapes the cache root", ref.String())
	}
	return dir, nil
}

// Find returns a cached artifact. Name references search the cache for a
// matching bundle name and exact tag; OCI references map directly.
func (c *Cache) Find(ctx context.Context, ref values.Reference) (*Artifact, error) {
	var dir string
	switch ref.Kind() {
	case values.KindOCI:
		var err error
		if dir, err = c.entryDir(ref); err != nil {
			return nil, err
		}
	case values.KindName:
		var err error
		if dir, err = c.findByName(ref.Name(), ref.Tag()); err != nil {
			return nil, err
		}
	default:
		return nil, &NotFoundError{Ref: ref}
	}

	archivePath := filepath.Join(dir, bundleFileName)
	if _, err := os.Stat(archivePath); err != nil {
		return nil, &NotFoundError{Ref: ref}
	}

	digestRaw, err := os.ReadFile(filepath.Join(dir, digestFileName))
	if err != nil {
		return nil, fmt.Errorf("cached bundle %s has no digest file: %w", ref.String(), err)
	}
	digest, err := values.ParseDigest(strings.TrimSpace(string(digestRaw)))
	if err != nil {
		return nil, fmt.Errorf("cached bundle %s: %w", ref.String(), err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Ref:     ref,
		Digest:  digest,
		Summary: c.readSummary(dir),
		Archive: f,
	}, nil
}

// findByName walks the cache for <...>/<name>/<tag>/bundle.tar.gz. The walk
// is lexical, so a name cached from two registries resolves deterministically.
func (c *Cache) findByName(name, tag string) (string, error) {
	var found string
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" || d.IsDir() || d.Name() != bundleFileName {
			return err
		}
		tagDir := filepath.Dir(path)
		nameDir := filepath.Dir(tagDir)
		if filepath.Base(tagDir) == tag && filepath.Base(nameDir) == name {
			found = tagDir
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", &NotFoundError{Ref: values.MustParseReference(name)}
	}
	return found, nil
}

func (c *Cache) readSummary(dir string) *Summary {
	data, err := os.ReadFile(filepath.Join(dir, summaryFileName))
	if err != nil {
		return nil
	}
	var s Summary
	if json.Unmarshal(data, &s) != nil {
		return nil
	}
	return &s
}

// Store writes an artifact's archive into the cache, hashing the bytes on
// the way through. A provenance digest that disagrees with the bytes fails
// the store and leaves no entry behind.
func (c *Cache) Store(ctx context.Context, artifact *Artifact) (string, error) {
	dir, err := c.entryDir(artifact.Ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	archivePath := filepath.Join(dir, bundleFileName)
	tmp := archivePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	_, err = io.Copy(f, io.TeeReader(artifact.Archive, h))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("cache bundle %s: %w", artifact.Ref.String(), err)
	}

	computed, _ := values.NewDigest("sha256", hex.EncodeToString(h.Sum(nil)))
	if !artifact.Digest.IsZero() && !artifact.Digest.Equals(computed) {
		_ = os.Remove(tmp)
		return "", &IntegrityError{Ref: artifact.Ref, Expected: artifact.Digest, Actual: computed}
	}

	if err := os.Rename(tmp, archivePath); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, digestFileName), []byte(computed.String()+"\n"), 0o644); err != nil {
		return "", err
	}
	if artifact.Summary != nil {
		data, err := json.MarshalIndent(artifact.Summary, "", "  ")
		if err == nil {
			err = os.WriteFile(filepath.Join(dir, summaryFileName), append(data, '\n'), 0o644)
		}
		if err != nil {
			return "", err
		}
	}
	return dir, nil
}

// List returns the references of every cached bundle.
func (c *Cache) List(ctx context.Context) ([]values.Reference, error) {
	var refs []values.Reference
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != bundleFileName {
			return err
		}
		rel, err := filepath.Rel(c.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		segments := strings.Split(filepath.ToSlash(rel), "/")
		if len(segments) < 3 {
			return nil
		}
		repository := strings.Join(segments[1:len(segments)-1], "/")
		tag := segments[len(segments)-1]
		ref, err := values.ParseReference(values.OCIScheme + segments[0] + "/" + repository + ":" + tag)
		if err != nil {
			return nil
		}
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

// Delete removes one cached bundle.
func (c *Cache) Delete(ctx context.Context, ref values.Reference) error {
	dir, err := c.entryDir(ref)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Prune keeps the newest keepVersions tags of every cached bundle and
// removes the rest. Tags that do not parse as semver count as oldest.
func (c *Cache) Prune(ctx context.Context, keepVersions int) error {
	if keepVersions < 1 {
		keepVersions = 1
	}

	refs, err := c.List(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string][]values.Reference)
	for _, ref := range refs {
		key := ref.Registry() + "/" + ref.Repository()
		byName[key] = append(byName[key], ref)
	}

	for _, group := range byName {
		if len(group) <= keepVersions {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return tagNewer(group[i].Tag(), group[j].Tag()) })
		for _, ref := range group[keepVersions:] {
			if err := c.Delete(ctx, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// tagNewer orders tags newest-first, semver when both parse.
func tagNewer(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.GreaterThan(vb)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a > b
	}
}
