package manifest

import "encoding/json"

// doc converts the descriptor back to its on-disk document form.
func (d SkillDescriptor) doc() descriptorDoc {
	doc := descriptorDoc{
		ID:          d.ID,
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Runtime: runtimeDoc{
			Kind:       string(d.Runtime.Kind),
			MinVersion: d.Runtime.MinVersion,
		},
		Entry: entryDoc{
			File: d.Entry.File,
			Args: d.Entry.Args,
		},
		Mode:         string(d.Mode),
		Capabilities: d.Capabilities.Sorted().Strings(),
		Config:       d.Config,
	}
	for _, c := range d.Credentials {
		required := c.Required
		doc.Credentials = append(doc.Credentials, credentialDoc{
			Name:        c.Name,
			EnvVar:      c.EnvVar,
			Description: c.Description,
			Required:    &required,
			Default:     c.Default,
		})
	}
	return doc
}

// MarshalJSON renders the descriptor in its manifest document form, so
// registry entries and snapshots stay readable as skill.json manifests.
func (d SkillDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.doc())
}

// UnmarshalJSON parses the manifest document form, applying the same
// defaulting and validation as the JSON parser.
func (d *SkillDescriptor) UnmarshalJSON(data []byte) error {
	var doc descriptorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	parsed, err := doc.toDescriptor()
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}
