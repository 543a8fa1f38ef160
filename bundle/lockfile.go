package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/skillhost-dev/skillhost/bundle/values"
)

const lockfileVersion = 1

// Lockfile pins skill ids to the archive digests that were installed, so a
// reinstall from a moved tag or a tampered mirror fails loudly instead of
// drifting silently.
type Lockfile struct {
	Version   int
	Generated time.Time
	Skills    map[string]SkillLock
}

// SkillLock is one pin. Immutable once written.
type SkillLock struct {
	// Requested is the source string as the user gave it.
	Requested string
	// Resolved is the canonical reference that was actually fetched.
	Resolved string
	// Digest is the archive hash in "algorithm:hex" form.
	Digest string
	// Fetched is when the pinned bytes were obtained.
	Fetched time.Time
}

// NewLockfile returns an empty lockfile at the current version.
func NewLockfile() *Lockfile {
	return &Lockfile{
		Version: lockfileVersion,
		Skills:  make(map[string]SkillLock),
	}
}

// AddSkill records a pin. The digest is what makes a pin a pin, so an empty
// or malformed one is an error.
func (l *Lockfile) AddSkill(id string, lock SkillLock) error {
	if _, err := values.ParseDigest(lock.Digest); err != nil {
		return fmt.Errorf("pin for skill %q: %w", id, err)
	}
	if l.Skills == nil {
		l.Skills = make(map[string]SkillLock)
	}
	l.Skills[id] = lock
	return nil
}

// Skill returns the pin for a skill id, or nil when none is recorded.
func (l *Lockfile) Skill(id string) *SkillLock {
	if l == nil || l.Skills == nil {
		return nil
	}
	if lock, ok := l.Skills[id]; ok {
		return &lock
	}
	return nil
}

// RemoveSkill drops a pin, reporting whether one existed.
func (l *Lockfile) RemoveSkill(id string) bool {
	if l.Skills == nil {
		return false
	}
	if _, ok := l.Skills[id]; !ok {
		return false
	}
	delete(l.Skills, id)
	return true
}

// Validate checks the pin invariants.
func (l *Lockfile) Validate() error {
	if len(l.Skills) > 0 && l.Generated.IsZero() {
		return fmt.Errorf("lockfile has pins but no generated timestamp")
	}
	for id, lock := range l.Skills {
		if _, err := values.ParseDigest(lock.Digest); err != nil {
			return fmt.Errorf("pin for skill %q: %w", id, err)
		}
	}
	return nil
}

// lockfileDoc is the on-disk YAML shape.
type lockfileDoc struct {
	Version   int                     `yaml:"lockfile_version"`
	Generated time.Time               `yaml:"generated"`
	Skills    map[string]skillLockDoc `yaml:"skills,omitempty"`
}

type skillLockDoc struct {
	Requested string    `yaml:"requested"`
	Resolved  string    `yaml:"resolved"`
	Digest    string    `yaml:"digest"`
	Fetched   time.Time `yaml:"fetched,omitempty"`
}

func (l *Lockfile) doc() *lockfileDoc {
	doc := &lockfileDoc{
		Version:   l.Version,
		Generated: l.Generated,
		Skills:    make(map[string]skillLockDoc, len(l.Skills)),
	}
	for id, lock := range l.Skills {
		doc.Skills[id] = skillLockDoc(lock)
	}
	return doc
}

func (doc *lockfileDoc) toLockfile() *Lockfile {
	l := &Lockfile{
		Version:   doc.Version,
		Generated: doc.Generated,
		Skills:    make(map[string]SkillLock, len(doc.Skills)),
	}
	for id, lock := range doc.Skills {
		l.Skills[id] = SkillLock(lock)
	}
	return l
}

// FileLockfileStore persists lockfiles as YAML with an atomic replace.
type FileLockfileStore struct{}

// NewFileLockfileStore creates a filesystem-backed lockfile store.
func NewFileLockfileStore() *FileLockfileStore {
	return &FileLockfileStore{}
}

// Load implements LockfileStore. A missing file is not an error.
func (s *FileLockfileStore) Load(ctx context.Context, path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lockfile %s: %w", path, err)
	}

	var doc lockfileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse lockfile %s: %w", path, err)
	}
	if doc.Version > lockfileVersion {
		return nil, fmt.Errorf("lockfile %s is version %d, this build reads up to %d", path, doc.Version, lockfileVersion)
	}

	lock := doc.toLockfile()
	if err := lock.Validate(); err != nil {
		return nil, fmt.Errorf("lockfile %s: %w", path, err)
	}
	return lock, nil
}

// Save implements LockfileStore.
func (s *FileLockfileStore) Save(ctx context.Context, lock *Lockfile, path string) error {
	if err := lock.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lockfile directory: %w", err)
	}

	data, err := yaml.Marshal(lock.doc())
	if err != nil {
		return fmt.Errorf("encode lockfile: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lockfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace lockfile: %w", err)
	}
	return nil
}

var _ LockfileStore = (*FileLockfileStore)(nil)
