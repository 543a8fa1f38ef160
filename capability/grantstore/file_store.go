// Package grantstore provides file-based persistence for approval records.
package grantstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skillhost-dev/skillhost/capability"
)

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
	now      func() time.Time
}

func defaultFileStoreConfig() fileStoreConfig {
	return fileStoreConfig{
		path:     filepath.Join(os.Getenv("HOME"), ".skillhost", "grants.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
		now:      time.Now,
	}
}

// FileStoreOption configures a FileStore instance.
type FileStoreOption func(*fileStoreConfig)

// WithPath sets the path to the grants file.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithFilePermissions sets the file permissions for the grants file.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the directory permissions for the grants directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// WithClock overrides the time source used for expiry pruning.
func WithClock(now func() time.Time) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.now = now
	}
}

// recordDoc is the on-disk form of one approval record. Capabilities are
// stored in their "kind:pattern" string form.
type recordDoc struct {
	Skill      string     `yaml:"skill"`
	Capability string     `yaml:"capability"`
	Decision   string     `yaml:"decision"`
	Escalated  bool       `yaml:"escalated,omitempty"`
	GrantedAt  time.Time  `yaml:"granted_at"`
	ExpiresAt  *time.Time `yaml:"expires_at,omitempty"`
}

type grantsFile struct {
	Grants []recordDoc `yaml:"grants"`
}

// FileStore provides file-based persistence for approval records.
type FileStore struct {
	config fileStoreConfig
}

// NewFileStore creates a new FileStore with the given options.
func NewFileStore(opts ...FileStoreOption) *FileStore {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{config: cfg}
}

// Load retrieves all stored approval records. A missing file is an empty
// record set, not an error.
func (s *FileStore) Load() ([]capability.ApprovalRecord, error) {
	data, err := os.ReadFile(s.config.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant store: %w", err)
	}

	var doc grantsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse grant store: %w", err)
	}

	records := make([]capability.ApprovalRecord, 0, len(doc.Grants))
	for _, d := range doc.Grants {
		parsed, err := capability.Parse(d.Capability)
		if err != nil {
			return nil, fmt.Errorf("failed to parse grant store entry for %q: %w", d.Skill, err)
		}
		rec := capability.ApprovalRecord{
			SkillID:    d.Skill,
			Capability: parsed,
			Decision:   capability.Decision(d.Decision),
			Escalated:  d.Escalated,
			GrantedAt:  d.GrantedAt,
		}
		if d.ExpiresAt != nil {
			rec.ExpiresAt = *d.ExpiresAt
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save persists the approval records, dropping expired entries and
// duplicates (last decision per key wins).
func (s *FileStore) Save(records []capability.ApprovalRecord) error {
	now := s.config.now()

	type key struct {
		skill     string
		cap       capability.Capability
		escalated bool
	}
	latest := make(map[key]capability.ApprovalRecord, len(records))
	order := make([]key, 0, len(records))
	for _, r := range records {
		if r.Expired(now) {
			continue
		}
		k := key{r.SkillID, r.Capability, r.Escalated}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = r
	}

	doc := grantsFile{Grants: make([]recordDoc, 0, len(order))}
	for _, k := range order {
		r := latest[k]
		d := recordDoc{
			Skill:      r.SkillID,
			Capability: r.Capability.String(),
			Decision:   string(r.Decision),
			Escalated:  r.Escalated,
			GrantedAt:  r.GrantedAt,
		}
		if !r.ExpiresAt.IsZero() {
			expires := r.ExpiresAt
			d.ExpiresAt = &expires
		}
		doc.Grants = append(doc.Grants, d)
	}
	sort.Slice(doc.Grants, func(i, j int) bool {
		if doc.Grants[i].Skill != doc.Grants[j].Skill {
			return doc.Grants[i].Skill < doc.Grants[j].Skill
		}
		return doc.Grants[i].Capability < doc.Grants[j].Capability
	})

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}

	if err := os.WriteFile(s.config.path, data, s.config.filePerm); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the backing store.
func (s *FileStore) ConfigPath() string {
	return s.config.path
}
