// Package manifest defines the skill descriptor: the manifest document each
// skill bundle ships, describing identity, entry point, runtime requirement,
// declared capabilities, and credentials. Descriptors are immutable after
// registration; changing one requires reinstalling the skill.
package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/skillhost-dev/skillhost/capability"
)

// MaxManifestSize bounds how many manifest bytes a parser will accept.
const MaxManifestSize = 64 * 1024

// RuntimeKind names the interpreter family a skill needs.
type RuntimeKind string

const (
	// RuntimeUV runs Python entry points through the uv launcher.
	RuntimeUV RuntimeKind = "uv"
	// RuntimeNode runs JavaScript entry points through node.
	RuntimeNode RuntimeKind = "node"
	// RuntimeBinary executes the entry file directly, no interpreter.
	RuntimeBinary RuntimeKind = "binary"
)

// Valid reports whether k names a supported runtime.
func (k RuntimeKind) Valid() bool {
	switch k {
	case RuntimeUV, RuntimeNode, RuntimeBinary:
		return true
	}
	return false
}

// RunMode selects how skill processes are managed across invocations.
type RunMode string

const (
	// RunModeDaemon keeps the process warm and pooled between sessions.
	RunModeDaemon RunMode = "daemon"
	// RunModeOneShot spawns per invocation and tears down after the
	// terminal event.
	RunModeOneShot RunMode = "one-shot"
)

// Valid reports whether m names a supported run mode.
func (m RunMode) Valid() bool {
	return m == RunModeDaemon || m == RunModeOneShot
}

// RuntimeSpec is the descriptor's runtime requirement.
type RuntimeSpec struct {
	Kind RuntimeKind
	// MinVersion is a semver constraint on the resolved runtime binary,
	// e.g. "0.4.0". Empty accepts any version.
	MinVersion string
}

// Constraint parses the minimum version into a semver constraint.
func (r RuntimeSpec) Constraint() (*semver.Constraints, error) {
	if r.MinVersion == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(">= " + r.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime min version %q: %w", r.MinVersion, err)
	}
	return c, nil
}

// EntrySpec is the command the runtime launches inside the skill directory.
type EntrySpec struct {
	// File is the entry point path relative to the skill directory.
	File string
	// Args are fixed arguments appended after the entry file.
	Args []string
}

// CredentialSpec declares one secret the skill needs injected at spawn.
type CredentialSpec struct {
	// Name identifies the credential within the skill. Lowercase letters,
	// digits, and underscores only.
	Name string `yaml:"name" json:"name"`
	// EnvVar is the environment variable the value is injected as.
	// Uppercase letters, digits, and underscores only.
	EnvVar string `yaml:"env_var" json:"env_var"`
	// Description is shown when prompting the user for the value.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Required fails the launch when no value is available. Defaults true.
	Required bool `yaml:"required" json:"required"`
	// Default is used for optional credentials with no stored value.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Validate checks the credential declaration is well-formed.
func (c CredentialSpec) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("credential name cannot be empty")
	}
	for _, r := range c.Name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("invalid credential name %q: use lowercase letters, digits, or _", c.Name)
		}
	}
	if strings.TrimSpace(c.EnvVar) == "" {
		return fmt.Errorf("credential %q: env_var cannot be empty", c.Name)
	}
	for _, r := range c.EnvVar {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("credential %q: invalid env_var %q: use UPPERCASE letters, digits, or _", c.Name, c.EnvVar)
		}
	}
	return nil
}

// SkillDescriptor is the parsed, validated manifest of one installed skill.
type SkillDescriptor struct {
	// ID uniquely identifies the skill. Lowercase letters, digits, hyphens,
	// and underscores only.
	ID string
	// Name is the human-readable display name.
	Name string
	// Version is the skill's semantic version.
	Version string
	// Description says what the skill does, in plain English.
	Description string
	// Runtime is the interpreter requirement.
	Runtime RuntimeSpec
	// Entry is the command launched inside the skill directory.
	Entry EntrySpec
	// Mode selects daemon pooling or one-shot spawning.
	Mode RunMode
	// Capabilities is the declared permission set. Anything a skill
	// requests beyond this set at run time is an escalation.
	Capabilities capability.Set
	// Credentials the skill needs injected as environment variables.
	Credentials []CredentialSpec
	// Config is the skill-specific configuration block. Capability
	// extractors scan it for implied permissions.
	Config map[string]interface{}
}

// DefaultEntryFile returns the conventional entry point for a runtime kind.
func DefaultEntryFile(kind RuntimeKind) string {
	switch kind {
	case RuntimeNode:
		return "skill.js"
	case RuntimeBinary:
		return "skill"
	default:
		return "skill.py"
	}
}

// applyDefaults fills zero-valued optional fields.
func (d *SkillDescriptor) applyDefaults() {
	if d.Version == "" {
		d.Version = "0.1.0"
	}
	if d.Runtime.Kind == "" {
		d.Runtime.Kind = RuntimeUV
	}
	if d.Entry.File == "" {
		d.Entry.File = DefaultEntryFile(d.Runtime.Kind)
	}
	if d.Mode == "" {
		d.Mode = RunModeDaemon
	}
}

// Validate checks the descriptor is well-formed. Parsers call this after
// unmarshalling; callers constructing descriptors by hand should too.
func (d *SkillDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("manifest: id cannot be empty")
	}
	for _, r := range d.ID {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return fmt.Errorf("manifest: invalid id %q: use lowercase letters, digits, - or _", d.ID)
		}
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("manifest: name cannot be empty")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("manifest: invalid version %q: %w", d.Version, err)
	}
	if !d.Runtime.Kind.Valid() {
		return fmt.Errorf("manifest: unknown runtime kind %q", d.Runtime.Kind)
	}
	if _, err := d.Runtime.Constraint(); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if strings.TrimSpace(d.Entry.File) == "" {
		return fmt.Errorf("manifest: entry file cannot be empty")
	}
	if strings.HasPrefix(d.Entry.File, "/") || strings.Contains(d.Entry.File, "..") {
		return fmt.Errorf("manifest: entry file %q must be a relative path inside the skill directory", d.Entry.File)
	}
	if !d.Mode.Valid() {
		return fmt.Errorf("manifest: unknown run mode %q", d.Mode)
	}

	seen := make(map[string]struct{}, len(d.Credentials))
	envSeen := make(map[string]struct{}, len(d.Credentials))
	for _, cred := range d.Credentials {
		if err := cred.Validate(); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		if _, dup := seen[cred.Name]; dup {
			return fmt.Errorf("manifest: duplicate credential name %q", cred.Name)
		}
		seen[cred.Name] = struct{}{}
		if _, dup := envSeen[cred.EnvVar]; dup {
			return fmt.Errorf("manifest: duplicate credential env_var %q", cred.EnvVar)
		}
		envSeen[cred.EnvVar] = struct{}{}
	}

	return nil
}

// Clone returns a deep copy, so registry snapshots cannot be mutated
// through a shared reference.
func (d *SkillDescriptor) Clone() *SkillDescriptor {
	out := *d
	out.Entry.Args = append([]string(nil), d.Entry.Args...)
	out.Capabilities = d.Capabilities.Clone()
	out.Credentials = append([]CredentialSpec(nil), d.Credentials...)
	if d.Config != nil {
		out.Config = make(map[string]interface{}, len(d.Config))
		for k, v := range d.Config {
			out.Config[k] = v
		}
	}
	return &out
}
