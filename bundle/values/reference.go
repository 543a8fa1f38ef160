package values

import (
	"fmt"
	"strings"
)

// Kind classifies where a bundle reference points.
type Kind string

const (
	// KindPath is a local file or directory.
	KindPath Kind = "path"
	// KindName is a bare bundle name, served from the local cache.
	KindName Kind = "name"
	// KindOCI is a remote registry reference with an oci:// scheme.
	KindOCI Kind = "oci"
)

// OCIScheme prefixes remote bundle references.
const OCIScheme = "oci://"

// Reference identifies a skill bundle source. Three shapes are accepted:
// a local path ("./weather", "/opt/weather.tar.gz"), a cached bundle name
// with an optional version ("weather", "weather@1.2.0"), or an OCI
// reference ("oci://ghcr.io/acme/skills/weather:1.2.0").
type Reference struct {
	kind       Kind
	source     string // as given
	path       string // KindPath
	registry   string // KindOCI host, possibly with port
	repository string // KindOCI path under the registry, name last
	name       string // KindOCI and KindName
	tag        string // version tag, "latest" when unspecified
}

// ParseReference classifies and parses a bundle source string.
func ParseReference(source string) (Reference, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("empty bundle reference")
	}

	if strings.HasPrefix(trimmed, OCIScheme) {
		return parseOCI(trimmed)
	}
	if looksLikePath(trimmed) {
		return Reference{kind: KindPath, source: trimmed, path: trimmed}, nil
	}
	return parseName(trimmed)
}

// MustParseReference panics on a malformed source. For tests and constants.
func MustParseReference(source string) Reference {
	ref, err := ParseReference(source)
	if err != nil {
		panic(err)
	}
	return ref
}

func parseOCI(source string) (Reference, error) {
	rest := strings.TrimPrefix(source, OCIScheme)
	segments := strings.Split(rest, "/")
	if len(segments) < 2 {
		return Reference{}, fmt.Errorf("oci reference %q needs a registry host and a repository path", source)
	}

	// Only the last segment can carry a tag; a colon in the first is a
	// registry port.
	last := segments[len(segments)-1]
	name, tag, ok := strings.Cut(last, ":")
	if !ok {
		tag = "latest"
	}
	if name == "" || tag == "" || strings.Contains(tag, "/") {
		return Reference{}, fmt.Errorf("oci reference %q has a malformed name or tag", source)
	}
	for _, seg := range segments[:len(segments)-1] {
		if seg == "" {
			return Reference{}, fmt.Errorf("oci reference %q has an empty path segment", source)
		}
	}

	parts := make([]string, 0, len(segments)-1)
	parts = append(parts, segments[1:len(segments)-1]...)
	parts = append(parts, name)
	return Reference{
		kind:       KindOCI,
		source:     source,
		registry:   segments[0],
		repository: strings.Join(parts, "/"),
		name:       name,
		tag:        tag,
	}, nil
}

func parseName(source string) (Reference, error) {
	name, tag, ok := strings.Cut(source, "@")
	if !ok {
		tag = "latest"
	}
	if name == "" || tag == "" {
		return Reference{}, fmt.Errorf("bundle name %q is malformed", source)
	}
	for _, r := range name {
		if !isNameRune(r) {
			return Reference{}, fmt.Errorf("bundle name %q may only contain lowercase letters, digits, hyphens, and underscores", name)
		}
	}
	return Reference{kind: KindName, source: source, name: name, tag: tag}, nil
}

func isNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// looksLikePath reports whether the source is addressed as a filesystem
// location rather than a name. Bare names that happen to exist on disk are
// still tried as paths first by the resolver chain.
func looksLikePath(s string) bool {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") || strings.HasPrefix(s, "~/") {
		return true
	}
	if s == "." || s == ".." {
		return true
	}
	if strings.Contains(s, "/") {
		return true
	}
	return strings.HasSuffix(s, ".tar.gz") || strings.HasSuffix(s, ".tgz")
}

// Kind returns the reference classification.
func (r Reference) Kind() Kind { return r.kind }

// IsRemote reports whether resolving this reference may hit the network.
func (r Reference) IsRemote() bool { return r.kind == KindOCI }

// Source returns the reference exactly as the user wrote it.
func (r Reference) Source() string { return r.source }

// Path returns the local path for KindPath references.
func (r Reference) Path() string { return r.path }

// Name returns the bundle name. Empty for path references.
func (r Reference) Name() string { return r.name }

// Tag returns the version tag, defaulting to "latest".
func (r Reference) Tag() string { return r.tag }

// Registry returns the registry host for KindOCI references.
func (r Reference) Registry() string { return r.registry }

// Repository returns the repository path under the registry, ending in the
// bundle name.
func (r Reference) Repository() string { return r.repository }

// Locator returns the scheme-less "registry/repository:tag" form ORAS and
// cosign clients address.
func (r Reference) Locator() string {
	if r.kind != KindOCI {
		return ""
	}
	return r.registry + "/" + r.repository + ":" + r.tag
}

// String returns the canonical form of the reference.
func (r Reference) String() string {
	switch r.kind {
	case KindOCI:
		return OCIScheme + r.Locator()
	case KindName:
		if r.tag == "latest" {
			return r.name
		}
		return r.name + "@" + r.tag
	default:
		return r.path
	}
}

// Equals reports whether two references address the same bundle.
func (r Reference) Equals(other Reference) bool {
	return r.kind == other.kind &&
		r.path == other.path &&
		r.registry == other.registry &&
		r.repository == other.repository &&
		r.name == other.name &&
		r.tag == other.tag
}
