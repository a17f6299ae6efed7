package session

import "fmt"

// State represents the lifecycle state of a session actor
type State int

const (
	// StateStarting is the initial state while the actor is registered and loading
	StateStarting State = iota
	// StateLive is after the first participant has been admitted
	StateLive
	// StateDraining is when the participant set is empty and the grace timer is armed
	StateDraining
	// StateTerminating is while the final broadcast and cleanup run
	StateTerminating
	// StateStopped is the final state after the actor goroutine has exited
	StateStopped
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateLive:
		return "Live"
	case StateDraining:
		return "Draining"
	case StateTerminating:
		return "Terminating"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateStarting:    {StateLive, StateTerminating},
	StateLive:        {StateDraining, StateTerminating},
	StateDraining:    {StateLive, StateTerminating},
	StateTerminating: {StateStopped},
	StateStopped:     {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// TerminateReason explains why a session actor shut down. Its string form
// is what clients see in the final session_ended broadcast.
type TerminateReason int

const (
	// ReasonExpired means the session deadline passed or the cleanup worker ended it
	ReasonExpired TerminateReason = iota
	// ReasonEndedByCreator means the creator ended the session over the REST API
	ReasonEndedByCreator
	// ReasonEmpty means the participant set stayed empty for the full grace period
	ReasonEmpty
	// ReasonRestart means the actor crashed and the supervisor replaced it
	ReasonRestart
)

// String returns the wire representation of the termination reason
func (r TerminateReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonEndedByCreator:
		return "ended_by_creator"
	case ReasonEmpty:
		return "empty"
	case ReasonRestart:
		return "restart"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}
