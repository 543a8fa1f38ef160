// Package supervisor owns the lifecycle of skill child processes: spawning,
// handshaking, request routing, crash detection, bounded restarts, and
// guaranteed teardown. One Supervisor owns exactly one process at a time;
// a Pool bounds how many instances of one skill run concurrently.
package supervisor

import "fmt"

// State is one node of the supervisor lifecycle machine.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateHandshaking
	StateReady
	StateBusy
	StateStopping
	StateStopped
	StateRestarting
	StateFailed
)

var stateNames = map[State]string{
	StateNotStarted:  "not-started",
	StateStarting:    "starting",
	StateHandshaking: "handshaking",
	StateReady:       "ready",
	StateBusy:        "busy",
	StateStopping:    "stopping",
	StateStopped:     "stopped",
	StateRestarting:  "restarting",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Running reports whether a child process is expected to be alive.
func (s State) Running() bool {
	switch s {
	case StateHandshaking, StateReady, StateBusy:
		return true
	}
	return false
}

// Startable reports whether Start may spawn from this state.
func (s State) Startable() bool {
	switch s {
	case StateNotStarted, StateStopped, StateRestarting:
		return true
	}
	return false
}

// validTransitions is the closed edge set of the lifecycle machine.
// Restarting is reachable from Busy, Ready, or unexpected exit, and loops
// back to Starting. Failed is terminal until an explicit retry.
var validTransitions = map[State][]State{
	StateNotStarted:  {StateStarting},
	StateStarting:    {StateHandshaking, StateRestarting, StateFailed, StateStopping, StateStopped},
	StateHandshaking: {StateReady, StateRestarting, StateFailed, StateStopping, StateStopped},
	StateReady:       {StateBusy, StateStopping, StateRestarting, StateFailed},
	StateBusy:        {StateReady, StateStopping, StateRestarting, StateFailed},
	StateStopping:    {StateStopped},
	StateStopped:     {StateStarting},
	StateRestarting:  {StateStarting, StateStopping, StateStopped, StateFailed},
	StateFailed:      {StateStarting, StateStopping, StateStopped},
}

// CanTransition reports whether the edge s -> to exists.
func (s State) CanTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
