package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skillhost-dev/skillhost/manifest"
)

// ErrNoSnapshot means a rollback was requested for a skill that has never
// been snapshotted.
var ErrNoSnapshot = errors.New("no snapshot to roll back to")

// snapshotTimeLayout names snapshot files. Fixed-width UTC timestamps keep
// lexical order equal to chronological order.
const snapshotTimeLayout = "20060102T150405.000000000Z"

func (s *Store) snapshotDir(id string) string { return filepath.Join(s.dir, "snapshots", id) }

// snapshotLocked writes the entry's current descriptor to
// snapshots/<id>/<ts>.json. Snapshot files are plain manifest documents,
// readable as skill.json.
func (s *Store) snapshotLocked(e *Entry) error {
	dir := s.snapshotDir(e.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(e.Descriptor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	name := s.now().UTC().Format(snapshotTimeLayout) + ".json"
	if err := writeFileAtomic(filepath.Join(dir, name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot for %s: %w", e.ID(), err)
	}
	return nil
}

// Snapshots returns a skill's snapshot file names, oldest first.
func (s *Store) Snapshots(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[id]; !ok {
		return nil, &NotInstalledError{ID: id}
	}
	return s.snapshotNamesLocked(id)
}

func (s *Store) snapshotNamesLocked(id string) ([]string, error) {
	dirents, err := os.ReadDir(s.snapshotDir(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", id, err)
	}
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Rollback restores a skill's most recent descriptor snapshot and puts the
// skill back in rotation. The snapshot stays on disk, so rolling back again
// lands on the same descriptor.
func (s *Store) Rollback(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &NotInstalledError{ID: id}
	}
	names, err := s.snapshotNamesLocked(id)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("skill %q: %w", id, ErrNoSnapshot)
	}
	path := filepath.Join(s.snapshotDir(id), names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var desc manifest.SkillDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if desc.ID != id {
		return nil, fmt.Errorf("snapshot %s is for skill %q, not %q", path, desc.ID, id)
	}
	if err := s.unparkLocked(id); err != nil {
		return nil, err
	}
	e.Descriptor = &desc
	e.State = StateActive
	e.StateReason = ""
	e.UpdatedAt = s.now()
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return e.clone(), nil
}
