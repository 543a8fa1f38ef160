package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	genschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/protocol"
)

// anySchema accepts any JSON value. Used where the payload is skill-defined
// by contract (raw task input, state snapshots).
var anySchema = &genschema.Schema{}

// requestShapes maps each method to the Go struct its params must match.
var requestShapes = map[string]any{
	protocol.MethodHandshake:  protocol.HandshakeParams{},
	protocol.MethodInvoke:     protocol.InvokeParams{},
	protocol.MethodHealth:     protocol.HealthParams{},
	protocol.MethodShutdown:   protocol.ShutdownParams{},
	protocol.MethodPrompt:     protocol.PromptParams{},
	protocol.MethodAbort:      protocol.AbortParams{},
	protocol.MethodGetState:   protocol.GetStateParams{},
	protocol.MethodNewSession: protocol.NewSessionParams{},
}

// resultShapes maps each method to the shape of a successful result. A nil
// entry accepts any value: shutdown acks and state snapshots are
// skill-defined.
var resultShapes = map[string]any{
	protocol.MethodHandshake:  protocol.HandshakeResult{},
	protocol.MethodInvoke:     protocol.InvokeResult{},
	protocol.MethodHealth:     protocol.HealthResult{},
	protocol.MethodShutdown:   nil,
	protocol.MethodPrompt:     protocol.InvokeResult{},
	protocol.MethodAbort:      protocol.AbortResult{},
	protocol.MethodGetState:   nil,
	protocol.MethodNewSession: protocol.NewSessionResult{},
}

// eventShapes maps each event kind to its payload struct.
var eventShapes = map[protocol.EventKind]any{
	protocol.EventProgress:   protocol.ProgressPayload{},
	protocol.EventToolCall:   protocol.ToolCallPayload{},
	protocol.EventToolResult: protocol.ToolResultPayload{},
	protocol.EventOutput:     protocol.OutputPayload{},
	protocol.EventLog:        protocol.LogPayload{},
	protocol.EventDone:       protocol.DonePayload{},
	protocol.EventAborted:    protocol.AbortedPayload{},
}

// MessageValidator holds the compiled method-to-schema table. Schemas are
// generated from the wire structs by reflection and compiled once at
// construction; validation afterwards is allocation-light and concurrent.
type MessageValidator struct {
	requests map[string]*jsonschema.Schema
	results  map[string]*jsonschema.Schema
	events   map[protocol.EventKind]*jsonschema.Schema
}

// NewMessageValidator builds and compiles the full table.
func NewMessageValidator() (*MessageValidator, error) {
	reflector := new(genschema.Reflector)
	reflector.DoNotReference = true
	reflector.ExpandedStruct = true
	// Raw payload fields are pass-through by contract; everything else is
	// validated strictly, unknown properties included.
	reflector.Mapper = func(t reflect.Type) *genschema.Schema {
		if t == reflect.TypeOf(json.RawMessage{}) {
			return anySchema
		}
		return nil
	}

	v := &MessageValidator{
		requests: make(map[string]*jsonschema.Schema, len(requestShapes)),
		results:  make(map[string]*jsonschema.Schema, len(resultShapes)),
		events:   make(map[protocol.EventKind]*jsonschema.Schema, len(eventShapes)),
	}

	for method, shape := range requestShapes {
		s, err := compileShape(reflector, "request/"+method, shape)
		if err != nil {
			return nil, err
		}
		v.requests[method] = s
	}
	for method, shape := range resultShapes {
		s, err := compileShape(reflector, "result/"+method, shape)
		if err != nil {
			return nil, err
		}
		v.results[method] = s
	}
	for kind, shape := range eventShapes {
		s, err := compileShape(reflector, "event/"+string(kind), shape)
		if err != nil {
			return nil, err
		}
		v.events[kind] = s
	}
	return v, nil
}

// MustMessageValidator panics on table compilation failure. The table is
// built from this package's own structs, so failure is a programming error.
func MustMessageValidator() *MessageValidator {
	v, err := NewMessageValidator()
	if err != nil {
		panic(fmt.Sprintf("compile message schema table: %v", err))
	}
	return v
}

func compileShape(reflector *genschema.Reflector, name string, shape any) (*jsonschema.Schema, error) {
	var doc []byte
	var err error
	if shape == nil {
		doc, err = json.Marshal(anySchema)
	} else {
		doc, err = json.Marshal(reflector.Reflect(shape))
	}
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}

	compiled, err := jsonschema.CompileString(name+".json", string(doc))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return compiled, nil
}

// ValidateRequest implements Validator.
func (v *MessageValidator) ValidateRequest(method string, params json.RawMessage) error {
	schema, ok := v.requests[method]
	if !ok {
		return fmt.Errorf("%w: unrecognized method %q", hosterr.ErrMalformedMessage, method)
	}
	return v.check(schema, params, "params of "+method)
}

// ValidateResult implements Validator.
func (v *MessageValidator) ValidateResult(method string, result json.RawMessage) error {
	schema, ok := v.results[method]
	if !ok {
		return fmt.Errorf("%w: unrecognized method %q", hosterr.ErrMalformedMessage, method)
	}
	return v.check(schema, result, "result of "+method)
}

// ValidateEvent implements Validator.
func (v *MessageValidator) ValidateEvent(kind protocol.EventKind, payload json.RawMessage) error {
	schema, ok := v.events[kind]
	if !ok {
		return fmt.Errorf("%w: unrecognized event kind %q", hosterr.ErrMalformedMessage, kind)
	}
	return v.check(schema, payload, string(kind)+" payload")
}

func (v *MessageValidator) check(schema *jsonschema.Schema, raw json.RawMessage, what string) error {
	// Absent payloads validate as the empty object, matching children that
	// omit "params" entirely for parameterless methods.
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", hosterr.ErrMalformedMessage, what, err)
	}

	if err := schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s: %s", hosterr.ErrMalformedMessage, what, joinIssues(collectIssues(ve)))
		}
		return fmt.Errorf("%w: %s: %v", hosterr.ErrMalformedMessage, what, err)
	}
	return nil
}

// collectIssues walks the error tree and keeps leaf violations, which carry
// the property-level detail worth surfacing.
func collectIssues(ve *jsonschema.ValidationError) []Issue {
	if len(ve.Causes) == 0 {
		return []Issue{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	var issues []Issue
	for _, cause := range ve.Causes {
		issues = append(issues, collectIssues(cause)...)
	}
	return issues
}

func joinIssues(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

var _ Validator = (*MessageValidator)(nil)
