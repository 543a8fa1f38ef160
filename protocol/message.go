// Package protocol implements the newline-delimited JSON control channel
// spoken with skill processes over stdin/stdout. One self-describing message
// per line; stdout is the only protocol stream, stderr is diagnostic-only.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/skillhost-dev/skillhost/hosterr"
)

// Version is the protocol revision the host speaks. The child must report
// the same version during the handshake.
const Version = 1

// Core methods every skill must answer.
const (
	MethodHandshake = "handshake"
	MethodInvoke    = "invoke"
	MethodHealth    = "health"
	MethodShutdown  = "shutdown"
)

// Skill-category extension methods layered on the core set.
const (
	MethodPrompt     = "prompt"
	MethodAbort      = "abort"
	MethodGetState   = "get_state"
	MethodNewSession = "new_session"
)

// KnownMethods lists every method the host will put on the wire.
var KnownMethods = []string{
	MethodHandshake, MethodInvoke, MethodHealth, MethodShutdown,
	MethodPrompt, MethodAbort, MethodGetState, MethodNewSession,
}

// EventKind tags an unsolicited event tied to an in-flight session.
type EventKind string

const (
	EventProgress   EventKind = "progress"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventOutput     EventKind = "output"
	EventLog        EventKind = "log"
	EventDone       EventKind = "done"
	EventAborted    EventKind = "aborted"
)

// Valid reports whether k is a recognized event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventProgress, EventToolCall, EventToolResult, EventOutput, EventLog, EventDone, EventAborted:
		return true
	}
	return false
}

// Terminal reports whether the event marks the end of its session's stream.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventAborted
}

// Request is a host-to-skill call. Ids are assigned by the host, unique and
// monotonic within one supervisor's lifetime.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorObject is the error half of a response.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Err converts the wire object into a host taxonomy error.
func (e *ErrorObject) Err() error {
	return hosterr.FromCode(e.Code, e.Message)
}

// Response answers exactly one request. Result and Error are mutually
// exclusive.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// Event is an unsolicited skill-to-host message tied to a session.
type Event struct {
	SessionID string          `json:"session_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is the closed variant of everything a protocol line may carry.
// Exactly one field is non-nil.
type Message struct {
	Request  *Request
	Response *Response
	Event    *Event
}

// wireProbe holds every field any variant may carry so the variant can be
// picked by field presence, the same way the child classifies host lines.
type wireProbe struct {
	ID        *uint64         `json:"id"`
	Method    *string         `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *ErrorObject    `json:"error"`
	SessionID *string         `json:"session_id"`
	Kind      *string         `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode classifies one line into the message variant. An id plus method is
// a request; an id plus result or error is a response; a session id plus
// kind with no id is an event. Anything else is malformed.
func Decode(line []byte) (Message, error) {
	var probe wireProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		return Message{}, fmt.Errorf("%w: %v", hosterr.ErrMalformedMessage, err)
	}

	switch {
	case probe.ID != nil && probe.Method != nil:
		return Message{Request: &Request{ID: *probe.ID, Method: *probe.Method, Params: probe.Params}}, nil

	case probe.ID != nil && (probe.Result != nil || probe.Error != nil):
		if probe.Result != nil && probe.Error != nil {
			return Message{}, fmt.Errorf("%w: response %d carries both result and error", hosterr.ErrMalformedMessage, *probe.ID)
		}
		return Message{Response: &Response{ID: *probe.ID, Result: probe.Result, Error: probe.Error}}, nil

	case probe.ID == nil && probe.SessionID != nil && probe.Kind != nil:
		return Message{Event: &Event{SessionID: *probe.SessionID, Kind: EventKind(*probe.Kind), Payload: probe.Payload}}, nil

	default:
		return Message{}, fmt.Errorf("%w: line matches no message shape", hosterr.ErrMalformedMessage)
	}
}

// Encode renders the variant as a single line without the trailing newline.
func (m Message) Encode() ([]byte, error) {
	switch {
	case m.Request != nil:
		return json.Marshal(m.Request)
	case m.Response != nil:
		return json.Marshal(m.Response)
	case m.Event != nil:
		return json.Marshal(m.Event)
	default:
		return nil, fmt.Errorf("empty message")
	}
}

// HandshakeParams is what the host sends to open the exchange.
type HandshakeParams struct {
	ProtocolVersion int    `json:"protocol_version"`
	ExpectedName    string `json:"expected_name"`
	HostVersion     string `json:"host_version,omitempty"`
}

// HandshakeResult is the child's identity and declared surface.
type HandshakeResult struct {
	ProtocolVersion int      `json:"protocol_version"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// InvokeParams carries one task to the skill.
type InvokeParams struct {
	SessionID string          `json:"session_id"`
	Task      string          `json:"task"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// InvokeResult is the terminal payload of a completed task.
type InvokeResult struct {
	SessionID string          `json:"session_id"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// HealthParams is intentionally empty; present so the schema table has a
// shape for the method.
type HealthParams struct{}

// HealthResult is the probe answer.
type HealthResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ShutdownParams asks the child to exit on its own.
type ShutdownParams struct {
	Reason string `json:"reason,omitempty"`
}

// AbortParams cancels one in-flight session.
type AbortParams struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// AbortResult acknowledges the cancellation.
type AbortResult struct {
	SessionID string `json:"session_id"`
	Aborted   bool   `json:"aborted"`
}

// PromptParams carries one conversational turn for prompt-class skills.
type PromptParams struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// GetStateParams asks for a session's current state snapshot.
type GetStateParams struct {
	SessionID string `json:"session_id"`
}

// NewSessionParams opens a named conversation on a stateful skill.
type NewSessionParams struct {
	Label string `json:"label,omitempty"`
}

// NewSessionResult returns the child-side session handle.
type NewSessionResult struct {
	SessionID string `json:"session_id"`
}

// ProgressPayload is free-form progress text.
type ProgressPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload announces a tool invocation inside the skill.
type ToolCallPayload struct {
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload closes a tool call.
type ToolResultPayload struct {
	CallID  string          `json:"call_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// OutputPayload is a partial-output update.
type OutputPayload struct {
	Text string `json:"text"`
}

// LogPayload bridges a child log line into the host logger.
type LogPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// DonePayload marks normal stream completion.
type DonePayload struct {
	Summary string `json:"summary,omitempty"`
}

// AbortedPayload marks a cancelled stream.
type AbortedPayload struct {
	Reason string `json:"reason,omitempty"`
}
