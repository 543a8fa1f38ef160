// Package credential mediates skill secrets. Skills declare what they need
// in the manifest; values live in the OS keyring (encrypted vault fallback)
// keyed by "<skill id>.<name>", and reach the child only as environment
// variables at spawn. Raw values never land in the registry, logs, or
// config files.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/skillhost-dev/skillhost/manifest"
)

// Account is the storage key for one credential of one skill.
func Account(skillID, name string) string {
	return skillID + "." + name
}

// MissingError means a required credential has no stored value and no
// default. The launch must not proceed.
type MissingError struct {
	SkillID string
	Name    string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("required credential %q for skill %s has no value", e.Name, e.SkillID)
}

// Status reports whether one declared credential has a stored value.
type Status struct {
	Name     string `json:"name"`
	EnvVar   string `json:"env_var"`
	Stored   bool   `json:"stored"`
	Required bool   `json:"required"`
}

// Mediator runs the credential lifecycle against a Store: collect values in,
// resolve them out as environment variables, clear them on uninstall.
type Mediator struct {
	store  Store
	logger *slog.Logger
}

// MediatorOption configures a Mediator.
type MediatorOption func(*Mediator)

// WithMediatorLogger sets the structured logger.
func WithMediatorLogger(l *slog.Logger) MediatorOption {
	return func(m *Mediator) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMediator builds a Mediator over store.
func NewMediator(store Store, opts ...MediatorOption) *Mediator {
	m := &Mediator{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check reports, per declared credential, whether a value is stored. Storage
// errors read as not-stored; this is an availability view, not a gate.
func (m *Mediator) Check(skillID string, specs []manifest.CredentialSpec) []Status {
	statuses := make([]Status, 0, len(specs))
	for _, spec := range specs {
		_, err := m.store.Get(Account(skillID, spec.Name))
		statuses = append(statuses, Status{
			Name:     spec.Name,
			EnvVar:   spec.EnvVar,
			Stored:   err == nil,
			Required: spec.Required,
		})
	}
	return statuses
}

// Collect persists supplied values, keyed by credential name. A required
// credential with no supplied value, no stored value, and no default fails
// with MissingError. Optional credentials may simply be absent.
func (m *Mediator) Collect(skillID string, specs []manifest.CredentialSpec, values map[string]string) error {
	for _, spec := range specs {
		value, ok := values[spec.Name]
		if !ok {
			if !spec.Required || spec.Default != "" {
				continue
			}
			if _, err := m.store.Get(Account(skillID, spec.Name)); err == nil {
				continue // already collected earlier
			}
			return &MissingError{SkillID: skillID, Name: spec.Name}
		}
		if err := m.store.Set(Account(skillID, spec.Name), value); err != nil {
			return fmt.Errorf("store credential %s: %w", Account(skillID, spec.Name), err)
		}
		m.logger.Info("credential stored",
			"skill", skillID, "name", spec.Name, "value", Mask(value))
	}
	return nil
}

// Resolve builds the environment variable map for a spawn. Stored values
// win; declared defaults fill gaps; a required credential with neither
// fails with MissingError before any process starts.
func (m *Mediator) Resolve(skillID string, specs []manifest.CredentialSpec) (map[string]string, error) {
	env := make(map[string]string, len(specs))
	for _, spec := range specs {
		value, err := m.store.Get(Account(skillID, spec.Name))
		switch {
		case err == nil:
			env[spec.EnvVar] = value
		case errors.Is(err, ErrNotStored):
			if spec.Default != "" {
				env[spec.EnvVar] = spec.Default
				continue
			}
			if spec.Required {
				return nil, &MissingError{SkillID: skillID, Name: spec.Name}
			}
		default:
			return nil, fmt.Errorf("read credential %s: %w", Account(skillID, spec.Name), err)
		}
	}
	return env, nil
}

// Clear deletes every declared credential for a skill. Missing entries are
// fine; real storage failures are joined and returned.
func (m *Mediator) Clear(skillID string, specs []manifest.CredentialSpec) error {
	var errs []error
	for _, spec := range specs {
		if err := m.store.Delete(Account(skillID, spec.Name)); err != nil {
			errs = append(errs, fmt.Errorf("delete credential %s: %w", Account(skillID, spec.Name), err))
		}
	}
	return errors.Join(errs...)
}

// Inject merges resolved credentials into a child environment, replacing
// existing entries so nothing in the parent environment can shadow a stored
// secret. Appended entries are sorted for a stable spawn environment.
func Inject(env []string, creds map[string]string) []string {
	out := append([]string(nil), env...)
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := key + "=" + creds[key]
		replaced := false
		for i, existing := range out {
			if strings.HasPrefix(existing, key+"=") {
				out[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, entry)
		}
	}
	return out
}

// Mask renders a secret for display: short values vanish entirely, longer
// ones keep just enough shape to recognize.
func Mask(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:3] + "..." + value[len(value)-4:]
}
