package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	genschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema compiles once, on first parse. The schema reflects this
// package's own structs, so failure is a programming error.
var documentSchema = sync.OnceValue(MustDocumentSchema)

// DocumentSchema checks raw manifest documents against the manifest shape
// before they are unmarshalled, so typos and unknown fields surface with
// their JSON pointer paths instead of silently parsing to zero values.
type DocumentSchema struct {
	schema *jsonschema.Schema
}

// NewDocumentSchema reflects the manifest document shape and compiles it.
// Unknown properties are rejected everywhere except the config block,
// which is skill-defined by contract.
func NewDocumentSchema() (*DocumentSchema, error) {
	reflector := new(genschema.Reflector)
	reflector.DoNotReference = true
	reflector.ExpandedStruct = true

	doc, err := json.Marshal(reflector.Reflect(descriptorDoc{}))
	if err != nil {
		return nil, fmt.Errorf("marshal manifest schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("manifest.json", string(doc))
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return &DocumentSchema{schema: compiled}, nil
}

// MustDocumentSchema panics on compilation failure.
func MustDocumentSchema() *DocumentSchema {
	s, err := NewDocumentSchema()
	if err != nil {
		panic(fmt.Sprintf("manifest: %v", err))
	}
	return s
}

// ValidateJSON checks a JSON manifest document.
func (s *DocumentSchema) ValidateJSON(data []byte) error {
	var inst any
	if err := json.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	return s.validate(inst)
}

// ValidateYAML checks a YAML manifest document. The document is converted
// to JSON first, so schema checks see the same value shapes for both
// formats.
func (s *DocumentSchema) ValidateYAML(data []byte) error {
	jsonBytes, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("manifest: invalid YAML: %w", err)
	}
	return s.ValidateJSON(jsonBytes)
}

func (s *DocumentSchema) validate(inst any) error {
	err := s.schema.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return fmt.Errorf("manifest: %s", strings.Join(leafViolations(ve), "; "))
	}
	return fmt.Errorf("manifest: %v", err)
}

// leafViolations walks the error tree and keeps leaf entries, which carry
// the property-level detail worth surfacing.
func leafViolations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, leafViolations(cause)...)
	}
	return out
}
