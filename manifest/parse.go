package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/skillhost-dev/skillhost/capability"
)

// ManifestNames are the file names probed by LoadFromDir, in order.
var ManifestNames = []string{"skill.yaml", "skill.yml", "skill.json"}

// Parser parses raw manifest bytes into a SkillDescriptor.
type Parser interface {
	// Parse unmarshals, defaults, and validates manifest bytes.
	Parse(data []byte) (*SkillDescriptor, error)
}

// descriptorDoc is the on-disk manifest shape. Capabilities are the string
// forms; required defaults to true when omitted.
type descriptorDoc struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Version     string     `yaml:"version,omitempty" json:"version,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Runtime     runtimeDoc `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Entry       entryDoc   `yaml:"entry,omitempty" json:"entry,omitempty"`
	Mode        string     `yaml:"run_mode,omitempty" json:"run_mode,omitempty"`

	Capabilities []string               `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Credentials  []credentialDoc        `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	Config       map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

type runtimeDoc struct {
	Kind       string `yaml:"kind,omitempty" json:"kind,omitempty"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

type entryDoc struct {
	File string   `yaml:"file,omitempty" json:"file,omitempty"`
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
}

type credentialDoc struct {
	Name        string `yaml:"name" json:"name"`
	EnvVar      string `yaml:"env_var" json:"env_var"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    *bool  `yaml:"required,omitempty" json:"required,omitempty"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
}

// toDescriptor converts the document form, applies defaults, and validates.
func (doc *descriptorDoc) toDescriptor() (*SkillDescriptor, error) {
	caps, err := capability.ParseSet(doc.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	d := &SkillDescriptor{
		ID:          doc.ID,
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
		Runtime: RuntimeSpec{
			Kind:       RuntimeKind(doc.Runtime.Kind),
			MinVersion: doc.Runtime.MinVersion,
		},
		Entry: EntrySpec{
			File: doc.Entry.File,
			Args: doc.Entry.Args,
		},
		Mode:         RunMode(doc.Mode),
		Capabilities: caps,
		Config:       doc.Config,
	}
	for _, c := range doc.Credentials {
		required := true
		if c.Required != nil {
			required = *c.Required
		}
		d.Credentials = append(d.Credentials, CredentialSpec{
			Name:        c.Name,
			EnvVar:      c.EnvVar,
			Description: c.Description,
			Required:    required,
			Default:     c.Default,
		})
	}

	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// YAMLParser implements Parser for YAML manifests.
type YAMLParser struct{}

// NewYAMLParser creates a new YAMLParser.
func NewYAMLParser() Parser {
	return &YAMLParser{}
}

// Parse unmarshals YAML bytes into a SkillDescriptor.
func (p *YAMLParser) Parse(data []byte) (*SkillDescriptor, error) {
	if len(data) > MaxManifestSize {
		return nil, fmt.Errorf("manifest: exceeds %d byte limit", MaxManifestSize)
	}
	if err := documentSchema().ValidateYAML(data); err != nil {
		return nil, err
	}
	var doc descriptorDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest: invalid YAML: %w", err)
	}
	return doc.toDescriptor()
}

// JSONParser implements Parser for JSON manifests.
type JSONParser struct{}

// NewJSONParser creates a new JSONParser.
func NewJSONParser() Parser {
	return &JSONParser{}
}

// Parse unmarshals JSON bytes into a SkillDescriptor.
func (p *JSONParser) Parse(data []byte) (*SkillDescriptor, error) {
	if len(data) > MaxManifestSize {
		return nil, fmt.Errorf("manifest: exceeds %d byte limit", MaxManifestSize)
	}
	if err := documentSchema().ValidateJSON(data); err != nil {
		return nil, err
	}
	var doc descriptorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	return doc.toDescriptor()
}

// ParserFor returns the parser matching a manifest file name.
func ParserFor(name string) Parser {
	if filepath.Ext(name) == ".json" {
		return NewJSONParser()
	}
	return NewYAMLParser()
}

// LoadFromDir reads and parses the skill manifest from a bundle directory,
// probing ManifestNames in order.
func LoadFromDir(dir string) (*SkillDescriptor, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("manifest: cannot read %s: %w", path, err)
		}
		return ParserFor(name).Parse(data)
	}
	return nil, fmt.Errorf("manifest: no manifest file in %s (expected one of %v)", dir, ManifestNames)
}
