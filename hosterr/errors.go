// Package hosterr defines the error taxonomy shared by every layer of the
// skill runtime. Each condition is a sentinel matchable with errors.Is, plus
// a structured type carrying the detail callers need to tell "skill
// unavailable" from "task failed" from "permission refused". The root
// skillhost package re-exports these for the host-facing contract.
package hosterr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRuntimeUnavailable means the bootstrapper could not find or install
	// a runtime. Non-fatal to the host; the skill is marked unusable.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrProtocolMismatch means the handshake failed. Fatal for that launch,
	// retried once on the next invocation only.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrMalformedMessage means a protocol line failed to decode. Fatal to
	// the current session, not to the supervisor.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrBusy means the process is already serving another task.
	ErrBusy = errors.New("skill busy")

	// ErrTimeout means a task exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrCapabilityDenied means authorization failed; the session never starts.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrProcessCrashed means the child exited unexpectedly.
	ErrProcessCrashed = errors.New("process crashed")

	// ErrSkillNotFound means no installed skill matches the requested id.
	ErrSkillNotFound = errors.New("skill not found")

	// ErrRestartsExhausted means the restart budget for the window is spent
	// and the skill is Failed until explicitly re-enabled.
	ErrRestartsExhausted = errors.New("restart budget exhausted")
)

// MismatchError reports a handshake field that disagrees with the registered
// descriptor.
type MismatchError struct {
	SkillID string
	Field   string
	Want    string
	Got     string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("skill %s: handshake %s mismatch: want %q, got %q", e.SkillID, e.Field, e.Want, e.Got)
}

func (e *MismatchError) Is(target error) bool { return target == ErrProtocolMismatch }

// HandshakeError reports a handshake that failed before any field could be
// compared, e.g. the child stayed silent past the deadline.
type HandshakeError struct {
	SkillID string
	Reason  string
	Err     error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skill %s: handshake failed: %s: %v", e.SkillID, e.Reason, e.Err)
	}
	return fmt.Sprintf("skill %s: handshake failed: %s", e.SkillID, e.Reason)
}

func (e *HandshakeError) Is(target error) bool { return target == ErrProtocolMismatch }

func (e *HandshakeError) Unwrap() error { return e.Err }

// CrashError reports an unexpected child exit.
type CrashError struct {
	SkillID  string
	Pid      int
	ExitCode int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("skill %s: process %d exited unexpectedly with code %d", e.SkillID, e.Pid, e.ExitCode)
}

func (e *CrashError) Is(target error) bool { return target == ErrProcessCrashed }

// TimeoutError reports the operation and budget that elapsed.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Budget)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout satisfies the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// LineTooLongError reports a protocol line over the codec's cap. Oversize
// lines are malformed input, not a resource hint.
type LineTooLongError struct {
	Limit int
}

func (e *LineTooLongError) Error() string {
	return fmt.Sprintf("protocol line exceeds %d bytes", e.Limit)
}

func (e *LineTooLongError) Is(target error) bool { return target == ErrMalformedMessage }

// BusyError identifies which instance rejected the task.
type BusyError struct {
	SkillID string
	Pid     int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("skill %s: process %d is busy with another task", e.SkillID, e.Pid)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// UnavailableError reports why a runtime could not be resolved.
type UnavailableError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime %s unavailable: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("runtime %s unavailable: %s", e.Kind, e.Reason)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrRuntimeUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// RuntimeTooOldError reports a resolved runtime below the skill's minimum
// version. The skill is unusable until the runtime is upgraded, so this
// matches ErrRuntimeUnavailable.
type RuntimeTooOldError struct {
	Kind  string
	Path  string
	Found string
	Min   string
}

func (e *RuntimeTooOldError) Error() string {
	return fmt.Sprintf("runtime %s at %s is %s, need >= %s", e.Kind, e.Path, e.Found, e.Min)
}

func (e *RuntimeTooOldError) Is(target error) bool { return target == ErrRuntimeUnavailable }

// Wire error codes carried in response error objects.
const (
	CodeRuntimeUnavailable = "runtime_unavailable"
	CodeProtocolMismatch   = "protocol_mismatch"
	CodeMalformedMessage   = "malformed_message"
	CodeBusy               = "busy"
	CodeTimeout            = "timeout"
	CodeCapabilityDenied   = "capability_denied"
	CodeProcessCrashed     = "process_crashed"
	CodeInternal           = "internal"
)

// Code maps an error to its wire code. Unrecognized errors are internal.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRuntimeUnavailable):
		return CodeRuntimeUnavailable
	case errors.Is(err, ErrProtocolMismatch):
		return CodeProtocolMismatch
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCapabilityDenied):
		return CodeCapabilityDenied
	case errors.Is(err, ErrProcessCrashed):
		return CodeProcessCrashed
	default:
		return CodeInternal
	}
}

// FromCode maps a wire error code back to its sentinel, wrapping the remote
// message so the text survives the round trip.
func FromCode(code, message string) error {
	var sentinel error
	switch code {
	case CodeRuntimeUnavailable:
		sentinel = ErrRuntimeUnavailable
	case CodeProtocolMismatch:
		sentinel = ErrProtocolMismatch
	case CodeMalformedMessage:
		sentinel = ErrMalformedMessage
	case CodeBusy:
		sentinel = ErrBusy
	case CodeTimeout:
		sentinel = ErrTimeout
	case CodeCapabilityDenied:
		sentinel = ErrCapabilityDenied
	case CodeProcessCrashed:
		sentinel = ErrProcessCrashed
	default:
		return fmt.Errorf("skill error %s: %s", code, message)
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
