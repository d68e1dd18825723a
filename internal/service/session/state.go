// Package session owns the recognition session lifecycle: opening sessions,
// restarting them before the recognizer's maximum duration, buffering audio while
// no session is open, and draining old sessions.
package session

import "fmt"

// State is the lifecycle state of one session epoch.
//
// State transitions:
//
//	IDLE ──open──→ ACTIVE ──lifetime timer / expiry──→ DRAINING ──grace──→ (discarded)
//
// The controller is IDLE between closing one epoch and opening the next; audio
// arriving then is buffered.
type State int

const (
	// StateIdle - No session is open; audio is buffered.
	StateIdle State = iota
	// StateActive - Audio is forwarded to the open session.
	StateActive
	// StateDraining - The session was closed; its engine keeps reconciling for the grace window.
	StateDraining
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}
