// Package validation checks wire payloads against a method-to-schema table,
// so unrecognized or malformed shapes are rejected explicitly at decode time
// instead of flowing through as arbitrary structures.
package validation

import (
	"encoding/json"

	"github.com/skillhost-dev/skillhost/protocol"
)

// Validator is consulted by the supervisor's read loop and by request
// writers before anything is acted on.
type Validator interface {
	// ValidateRequest checks outbound params for a method.
	ValidateRequest(method string, params json.RawMessage) error
	// ValidateResult checks a response result against the method that asked.
	ValidateResult(method string, result json.RawMessage) error
	// ValidateEvent checks an event payload against its kind.
	ValidateEvent(kind protocol.EventKind, payload json.RawMessage) error
}

// Issue is one leaf-level schema violation.
type Issue struct {
	// Path is the instance location, e.g. "/task".
	Path string
	// Message is the human-readable violation.
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}
