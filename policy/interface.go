// Package policy matches concrete resource use against granted capability
// patterns: filesystem paths, commands, network endpoints, environment
// variables, and credential names.
package policy

import "github.com/skillhost-dev/skillhost/capability"

// Operations recognized by file checks.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// Policy enforces granted capabilities against runtime resource use.
type Policy interface {
	CheckFile(path, operation string, granted capability.Set) bool
	CheckExec(command string, granted capability.Set) bool
	CheckNetwork(host string, port int, granted capability.Set) bool
	CheckEnv(variable string, granted capability.Set) bool
	CheckCredential(name string, granted capability.Set) bool

	// Evaluate methods return the decision without side effects (like
	// logging denials).
	EvaluateFile(path, operation string, granted capability.Set) bool
	EvaluateExec(command string, granted capability.Set) bool
	EvaluateNetwork(host string, port int, granted capability.Set) bool
	EvaluateEnv(variable string, granted capability.Set) bool
	EvaluateCredential(name string, granted capability.Set) bool
}

// DenialHandler is called when a policy check denies a request.
type DenialHandler interface {
	// OnDenial is called when a capability request is denied.
	OnDenial(kind string, request interface{}, reason string)
}
