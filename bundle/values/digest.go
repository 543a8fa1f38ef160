// Package values holds the identity types shared by the bundle pipeline:
// references naming where a bundle comes from and digests pinning what its
// bytes must be.
package values

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// hashers maps supported digest algorithms to their constructors.
var hashers = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Digest is a content hash in "algorithm:hex" form. The zero value means
// "no digest known" and is reported by IsZero.
type Digest struct {
	algorithm string
	value     string
}

// NewDigest builds a digest from an algorithm name and a hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	if _, ok := hashers[algorithm]; !ok {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	if hexValue == "" {
		return Digest{}, fmt.Errorf("empty %s digest value", algorithm)
	}
	if _, err := hex.DecodeString(hexValue); err != nil {
		return Digest{}, fmt.Errorf("digest value is not hex: %w", err)
	}
	return Digest{algorithm: algorithm, value: hexValue}, nil
}

// ParseDigest parses the canonical "algorithm:hex" string form.
func ParseDigest(s string) (Digest, error) {
	algorithm, value, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest %q missing algorithm prefix", s)
	}
	return NewDigest(algorithm, value)
}

// ComputeSHA256 hashes everything the reader yields.
func ComputeSHA256(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{algorithm: "sha256", value: hex.EncodeToString(h.Sum(nil))}, nil
}

// SHA256Of hashes a byte slice.
func SHA256Of(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{algorithm: "sha256", value: hex.EncodeToString(sum[:])}
}

// String returns the canonical "algorithm:hex" form, or "" for the zero value.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.algorithm + ":" + d.value
}

// Algorithm returns the hash algorithm name.
func (d Digest) Algorithm() string { return d.algorithm }

// Value returns the hex-encoded hash.
func (d Digest) Value() string { return d.value }

// IsZero reports whether no digest is set.
func (d Digest) IsZero() bool { return d.algorithm == "" && d.value == "" }

// Equals reports whether both algorithm and value match.
func (d Digest) Equals(other Digest) bool {
	return d.algorithm == other.algorithm && d.value == other.value
}

// Verify hashes data with this digest's algorithm and compares.
func (d Digest) Verify(data []byte) error {
	newHash, ok := hashers[d.algorithm]
	if !ok {
		return fmt.Errorf("unsupported digest algorithm %q", d.algorithm)
	}
	h := newHash()
	h.Write(data)
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != d.value {
		return fmt.Errorf("digest mismatch: expected %s, got %s:%s", d.String(), d.algorithm, actual)
	}
	return nil
}
