// Package segment provides utterance ID generation and the utterance boundary tracker.
package segment

import (
	"fmt"
	"sync"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
)

// State represents where the tracker is within an utterance.
type State int

const (
	// StateAwaitingInit - No utterance is open; the next interim result starts one.
	StateAwaitingInit State = iota
	// StateOpen - An utterance is open and receiving interim results.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingInit:
		return "AWAITING_INIT"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Tracker classifies raw recognizer results into hypothesis kinds.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	AWAITING_INIT ──partial──→ OPEN ──partial──→ OPEN
//	      ↑                     │
//	      └──────final──────────┘
//
// Rules:
//   - A partial while AWAITING_INIT is an Init and opens the utterance.
//   - A partial while OPEN is an Update.
//   - A final in any state is a Finish and re-arms Init.
type Tracker struct {
	mu    sync.Mutex
	state State
}

// NewTracker creates a tracker waiting for the first utterance.
func NewTracker() *Tracker {
	return &Tracker{state: StateAwaitingInit}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Observe records a recognizer result and returns its kind.
func (t *Tracker) Observe(isFinal bool) models.HypothesisKind {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isFinal {
		t.state = StateAwaitingInit
		return models.HypothesisFinish
	}
	if t.state == StateAwaitingInit {
		t.state = StateOpen
		return models.HypothesisInit
	}
	return models.HypothesisUpdate
}
