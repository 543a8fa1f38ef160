// Package registry persists the installed-skill set under the host data
// directory. registry.json carries every descriptor plus its lifecycle
// state, skills/<id>/ holds the unpacked bundles, snapshots/<id>/ keeps
// timestamped descriptor copies taken before mutations, and disabled/
// parks the bundles of skills taken out of rotation. Every write goes
// through a temp file and rename, so a crash never leaves a half-written
// registry behind.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/skillhost-dev/skillhost/manifest"
)

const registryVersion = 1

// Store is the installed-skill registry rooted at one data directory.
// Callers hold an explicit *Store; there is no package-level instance.
type Store struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for timestamps and snapshot
// names.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for best-effort cleanup warnings.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open loads the registry rooted at dir, creating the directory on first
// use. An empty dir falls back to ~/.skillhost.
func Open(dir string, opts ...StoreOption) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".skillhost")
	}
	s := &Store{
		dir:     dir,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the data directory the store is rooted at.
func (s *Store) Dir() string { return s.dir }

// SkillDir returns the directory an active skill's bundle is unpacked
// into. The directory may not exist yet.
func (s *Store) SkillDir(id string) string {
	return filepath.Join(s.dir, "skills", id)
}

func (s *Store) registryPath() string { return filepath.Join(s.dir, "registry.json") }

func (s *Store) parkedDir(id string) string { return filepath.Join(s.dir, "disabled", id) }

// List returns every entry sorted by skill id.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Get returns the entry for a skill id.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &NotInstalledError{ID: id}
	}
	return e.clone(), nil
}

// InstallOptions carries optional provenance and bundle placement for
// Install.
type InstallOptions struct {
	// BundleDir is a staged, unpacked bundle directory. When set, Install
	// moves it into skills/<id>, backing up and restoring any previous
	// tree if the move fails. Stage under Dir() so the move stays on one
	// filesystem.
	BundleDir string
	// Source is the install source string, recorded for provenance.
	Source string
	// Digest pins the bundle content when the source provides one.
	Digest string
}

// Install registers a skill, replacing any previous entry under the same
// id. Reinstalling snapshots the previous descriptor first and clears a
// disabled or quarantined state.
func (s *Store) Install(desc *manifest.SkillDescriptor, opts InstallOptions) (*Entry, error) {
	if desc == nil {
		return nil, errors.New("registry: nil descriptor")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev := s.entries[desc.ID]
	if prev != nil {
		if err := s.snapshotLocked(prev); err != nil {
			return nil, err
		}
	}
	if opts.BundleDir != "" {
		if err := s.placeBundleLocked(desc.ID, opts.BundleDir); err != nil {
			return nil, err
		}
		// The new bundle supersedes whatever was parked under this id.
		if err := os.RemoveAll(s.parkedDir(desc.ID)); err != nil {
			s.logger.Warn("cannot remove parked bundle", "skill", desc.ID, "error", err)
		}
	} else if err := s.unparkLocked(desc.ID); err != nil {
		return nil, err
	}

	e := &Entry{
		Descriptor:  desc.Clone(),
		State:       StateActive,
		Source:      opts.Source,
		Digest:      opts.Digest,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if prev != nil {
		e.InstalledAt = prev.InstalledAt
	}
	s.entries[desc.ID] = e
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return e.clone(), nil
}

// Remove deletes a skill's entry and purges its bundle, parked copy, and
// snapshots.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return &NotInstalledError{ID: id}
	}
	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		return err
	}
	for _, dir := range []string{s.SkillDir(id), s.parkedDir(id), s.snapshotDir(id)} {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("cannot purge skill data", "skill", id, "dir", dir, "error", err)
		}
	}
	return nil
}

// Disable parks a skill: the entry stays registered but the skill never
// spawns, and its bundle moves out of skills/ until re-enabled. Disabling
// a disabled skill is a no-op. Disable is also the acknowledgment path
// out of quarantine.
func (s *Store) Disable(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &NotInstalledError{ID: id}
	}
	if e.State == StateDisabled {
		return nil
	}
	if err := s.snapshotLocked(e); err != nil {
		return err
	}
	if err := s.parkLocked(id); err != nil {
		return err
	}
	e.State = StateDisabled
	e.StateReason = reason
	e.UpdatedAt = s.now()
	return s.saveLocked()
}

// Enable puts a disabled or quarantined skill back in rotation, moving a
// parked bundle back into place. Enabling an active skill is a no-op.
func (s *Store) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &NotInstalledError{ID: id}
	}
	if e.State == StateActive {
		return nil
	}
	if err := s.unparkLocked(id); err != nil {
		return err
	}
	e.State = StateActive
	e.StateReason = ""
	e.UpdatedAt = s.now()
	return s.saveLocked()
}

// Quarantine pulls an active skill out of rotation with a reason, parking
// its bundle. Quarantining again updates nothing; quarantining a disabled
// skill is an error because it is not running.
func (s *Store) Quarantine(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return &NotInstalledError{ID: id}
	}
	switch e.State {
	case StateQuarantined:
		return nil
	case StateDisabled:
		return fmt.Errorf("skill %q is disabled, not running", id)
	}
	if err := s.snapshotLocked(e); err != nil {
		return err
	}
	if err := s.parkLocked(id); err != nil {
		return err
	}
	e.State = StateQuarantined
	e.StateReason = reason
	e.UpdatedAt = s.now()
	return s.saveLocked()
}

// parkLocked moves skills/<id> into disabled/<id>. A missing bundle is
// fine; skills can be registered before anything is unpacked.
func (s *Store) parkLocked(id string) error {
	src := s.SkillDir(id)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := s.parkedDir(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create disabled dir: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear stale parked bundle for %s: %w", id, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("park bundle for %s: %w", id, err)
	}
	return nil
}

// unparkLocked moves disabled/<id> back into skills/<id>. If a live tree
// already exists it wins and the parked copy is left alone.
func (s *Store) unparkLocked(id string) error {
	src := s.parkedDir(id)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := s.SkillDir(id)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("restore bundle for %s: %w", id, err)
	}
	return nil
}

// placeBundleLocked moves a staged bundle into skills/<id>, keeping the
// previous tree until the move succeeds.
func (s *Store) placeBundleLocked(id, staged string) error {
	if _, err := os.Stat(staged); err != nil {
		return fmt.Errorf("staged bundle for %s: %w", id, err)
	}
	dst := s.SkillDir(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}
	backup := dst + ".previous"
	if err := os.RemoveAll(backup); err != nil {
		return fmt.Errorf("clear stale backup for %s: %w", id, err)
	}
	hadPrev := false
	if _, err := os.Stat(dst); err == nil {
		hadPrev = true
		if err := os.Rename(dst, backup); err != nil {
			return fmt.Errorf("back up previous bundle for %s: %w", id, err)
		}
	}
	if err := os.Rename(staged, dst); err != nil {
		if hadPrev {
			if restoreErr := os.Rename(backup, dst); restoreErr != nil {
				s.logger.Error("cannot restore previous bundle", "skill", id, "error", restoreErr)
			}
		}
		return fmt.Errorf("place bundle for %s: %w", id, err)
	}
	if hadPrev {
		if err := os.RemoveAll(backup); err != nil {
			s.logger.Warn("cannot remove bundle backup", "skill", id, "error", err)
		}
	}
	return nil
}

// load reads registry.json. A missing file is an empty registry.
func (s *Store) load() error {
	data, err := os.ReadFile(s.registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	var doc registryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registry %s: %w", s.registryPath(), err)
	}
	if doc.Version > registryVersion {
		return fmt.Errorf("registry %s is version %d, this build reads up to %d", s.registryPath(), doc.Version, registryVersion)
	}
	for i := range doc.Skills {
		e := doc.Skills[i]
		if e.Descriptor == nil {
			return fmt.Errorf("registry %s: entry %d has no descriptor", s.registryPath(), i)
		}
		if !e.State.Valid() {
			return fmt.Errorf("registry %s: skill %s has unknown state %q", s.registryPath(), e.Descriptor.ID, e.State)
		}
		s.entries[e.Descriptor.ID] = &e
	}
	return nil
}

// saveLocked writes registry.json atomically, entries sorted by id.
func (s *Store) saveLocked() error {
	doc := registryFile{Version: registryVersion, Skills: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		doc.Skills = append(doc.Skills, *e)
	}
	sort.Slice(doc.Skills, func(i, j int) bool {
		return doc.Skills[i].Descriptor.ID < doc.Skills[j].Descriptor.ID
	})
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := writeFileAtomic(s.registryPath(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// writeFileAtomic writes through a sibling temp file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
