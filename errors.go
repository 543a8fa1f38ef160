package skillhost

import "github.com/skillhost-dev/skillhost/hosterr"

// The error taxonomy lives in hosterr so every subpackage can return it
// without importing this one. Embedders match against these re-exports;
// errors.Is and errors.As see through the aliases.
var (
	ErrRuntimeUnavailable = hosterr.ErrRuntimeUnavailable
	ErrProtocolMismatch   = hosterr.ErrProtocolMismatch
	ErrMalformedMessage   = hosterr.ErrMalformedMessage
	ErrBusy               = hosterr.ErrBusy
	ErrTimeout            = hosterr.ErrTimeout
	ErrCapabilityDenied   = hosterr.ErrCapabilityDenied
	ErrProcessCrashed     = hosterr.ErrProcessCrashed
	ErrSkillNotFound      = hosterr.ErrSkillNotFound
	ErrRestartsExhausted  = hosterr.ErrRestartsExhausted
)

// Structured forms carrying the detail callers need to tell "skill
// unavailable" from "task failed" from "permission refused".
type (
	MismatchError      = hosterr.MismatchError
	HandshakeError     = hosterr.HandshakeError
	CrashError         = hosterr.CrashError
	TimeoutError       = hosterr.TimeoutError
	BusyError          = hosterr.BusyError
	UnavailableError   = hosterr.UnavailableError
	RuntimeTooOldError = hosterr.RuntimeTooOldError
)
