package bundle

import (
	"errors"
	"fmt"

	"github.com/skillhost-dev/skillhost/bundle/values"
	"github.com/skillhost-dev/skillhost/capability"
)

var (
	// ErrBundleNotFound means no resolver in the chain could serve the
	// reference.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrIntegrity means archive bytes disagree with the digest that was
	// supposed to pin them.
	ErrIntegrity = errors.New("bundle integrity check failed")

	// ErrSignatureRequired means policy demands signature verification but
	// no verifier is configured.
	ErrSignatureRequired = errors.New("bundle signature verification required")

	// ErrUndeclaredCapabilities means the manifest's config implies
	// permissions its capability declarations do not cover.
	ErrUndeclaredCapabilities = errors.New("undeclared capabilities")
)

// NotFoundError reports which reference exhausted the resolver chain.
type NotFoundError struct {
	Ref values.Reference
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bundle not found: %s", e.Ref.String())
}

func (e *NotFoundError) Is(target error) bool { return target == ErrBundleNotFound }

// IntegrityError reports a digest mismatch, either against the artifact's
// own provenance or against a lockfile pin.
type IntegrityError struct {
	Ref      values.Reference
	Expected values.Digest
	Actual   values.Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("bundle %s failed integrity check: expected %s, got %s",
		e.Ref.String(), e.Expected.String(), e.Actual.String())
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// UndeclaredCapabilitiesError lists the implied capabilities a manifest
// omitted. Declaring them (or narrowing the config) fixes the install.
type UndeclaredCapabilitiesError struct {
	SkillID string
	Missing capability.Set
}

func (e *UndeclaredCapabilitiesError) Error() string {
	return fmt.Sprintf("skill %q config implies capabilities the manifest does not declare: %v",
		e.SkillID, e.Missing.Strings())
}

func (e *UndeclaredCapabilitiesError) Is(target error) bool {
	return target == ErrUndeclaredCapabilities
}
