// Package capability defines the permission model for skills: named
// capability kinds, scoped patterns, approval records, and risk analysis.
// The gatekeeper subpackage collects authorization decisions; grantstore
// persists them between runs.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind names one class of privileged access a skill may request.
type Kind string

const (
	KindFileRead       Kind = "fs-read"
	KindFileWrite      Kind = "fs-write"
	KindShellExec      Kind = "shell-exec"
	KindNetworkEgress  Kind = "network-egress"
	KindEnvRead        Kind = "env-read"
	KindCredentialRead Kind = "credential-read"
)

// Valid reports whether k is one of the recognized capability kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFileRead, KindFileWrite, KindShellExec, KindNetworkEgress, KindEnvRead, KindCredentialRead:
		return true
	}
	return false
}

// Class groups capability kinds by the damage they can do. Read-only tool
// mode refuses write and exec class capabilities outright.
type Class int

const (
	ClassRead Class = iota
	ClassWrite
	ClassExec
)

// Class returns the access class of the kind.
func (k Kind) Class() Class {
	switch k {
	case KindFileWrite, KindNetworkEgress:
		return ClassWrite
	case KindShellExec:
		return ClassExec
	default:
		return ClassRead
	}
}

// Capability is one named permission, optionally scoped by a pattern:
// "fs-write:/home/user/**", "shell-exec:git",
// "network-egress:api.example.com:443". An empty pattern leaves the kind
// unscoped, which counts as broad.
type Capability struct {
	Kind    Kind
	Pattern string
}

// Parse converts the "kind" or "kind:pattern" string form into a Capability.
func Parse(s string) (Capability, error) {
	kind, pattern, _ := strings.Cut(s, ":")
	c := Capability{Kind: Kind(strings.TrimSpace(kind)), Pattern: strings.TrimSpace(pattern)}
	if !c.Kind.Valid() {
		return Capability{}, fmt.Errorf("unknown capability kind %q", kind)
	}
	return c, nil
}

// MustParse is Parse for static literals; it panics on invalid input.
func MustParse(s string) Capability {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the canonical "kind:pattern" form.
func (c Capability) String() string {
	if c.Pattern == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Pattern
}

// IsBroad reports whether the capability covers effectively unlimited scope
// for its kind.
func (c Capability) IsBroad() bool {
	switch c.Pattern {
	case "", "*", "**", "/**":
		return true
	}
	if c.Kind == KindNetworkEgress {
		host, _, _ := strings.Cut(c.Pattern, ":")
		return host == "*" || host == "0.0.0.0"
	}
	return false
}

// MarshalJSON encodes the capability in its string form.
func (c Capability) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes the string form.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Set is an ordered collection of capabilities.
type Set []Capability

// ParseSet parses every entry of the string form.
func ParseSet(entries []string) (Set, error) {
	set := make(Set, 0, len(entries))
	for _, e := range entries {
		c, err := Parse(e)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set.Dedupe(), nil
}

// Contains reports whether the set holds exactly c (kind and pattern).
func (s Set) Contains(c Capability) bool {
	for _, have := range s {
		if have == c {
			return true
		}
	}
	return false
}

// Difference returns the capabilities in s that are absent from other.
func (s Set) Difference(other Set) Set {
	var missing Set
	for _, c := range s {
		if !other.Contains(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Dedupe returns a copy with duplicates removed, preserving first occurrence.
func (s Set) Dedupe() Set {
	seen := make(map[Capability]struct{}, len(s))
	out := make(Set, 0, len(s))
	for _, c := range s {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// Strings returns the canonical string form of every capability.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.String()
	}
	return out
}

// Sorted returns a copy ordered by the canonical string form.
func (s Set) Sorted() Set {
	out := s.Clone()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
