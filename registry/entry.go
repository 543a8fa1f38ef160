package registry

import (
	"fmt"
	"time"

	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/manifest"
)

// State tracks where an installed skill sits in its lifecycle.
type State string

const (
	// StateActive skills spawn and serve invocations.
	StateActive State = "active"
	// StateDisabled skills are parked: installed but never spawned.
	StateDisabled State = "disabled"
	// StateQuarantined skills were pulled out of rotation by the health
	// monitor and stay down until an operator re-enables them.
	StateQuarantined State = "quarantined"
)

// Valid reports whether s names a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateDisabled, StateQuarantined:
		return true
	}
	return false
}

// Entry is one installed skill: its descriptor plus registry bookkeeping.
type Entry struct {
	Descriptor *manifest.SkillDescriptor `json:"descriptor"`
	State      State                     `json:"state"`
	// StateReason says why a skill is disabled or quarantined. Empty for
	// active skills.
	StateReason string `json:"state_reason,omitempty"`
	// Source is the install source string, a local path or oci:// reference.
	Source string `json:"source,omitempty"`
	// Digest pins the installed bundle content when the source provides one.
	Digest string `json:"digest,omitempty"`

	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ID returns the skill id the entry is registered under.
func (e *Entry) ID() string {
	if e == nil || e.Descriptor == nil {
		return ""
	}
	return e.Descriptor.ID
}

// clone deep-copies the entry so callers cannot mutate store state.
func (e *Entry) clone() *Entry {
	out := *e
	out.Descriptor = e.Descriptor.Clone()
	return &out
}

// registryFile is the on-disk shape of registry.json.
type registryFile struct {
	Version int     `json:"version"`
	Skills  []Entry `json:"skills"`
}

// NotInstalledError reports an id with no registry entry.
type NotInstalledError struct {
	ID string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("skill %q is not installed", e.ID)
}

func (e *NotInstalledError) Is(target error) bool { return target == hosterr.ErrSkillNotFound }
