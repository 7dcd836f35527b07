// Package conversation coordinates the turn lifecycle of one interview
// conversation: the hidden primer exchange, ordinary user turns, end
// detection, and handoff to the finalizer.
package conversation

import "fmt"

// State is a coordinator lifecycle state.
type State string

const (
	// StateNotStarted is the initial state before Start is called.
	StateNotStarted State = "not_started"
	// StatePrimerInFlight means the hidden primer call has been issued and
	// has not yet resolved. User input queues instead of sending.
	StatePrimerInFlight State = "primer_in_flight"
	// StateReady means the conversation can accept and send a user turn.
	StateReady State = "ready"
	// StateSending means one outbound model request is in progress.
	StateSending State = "sending"
	// StateFinished is terminal: input is disabled and the finalizer has
	// been invoked.
	StateFinished State = "finished"
)

func (s State) String() string { return string(s) }

// validTransitions is the per-conversation transition table. Every state may
// move to Finished so an abandoned conversation can always be closed out.
var validTransitions = map[State][]State{
	StateNotStarted:     {StatePrimerInFlight, StateFinished},
	StatePrimerInFlight: {StateReady, StateFinished},
	StateReady:          {StateSending, StateFinished},
	StateSending:        {StateReady, StateFinished},
	StateFinished:       {},
}

// ErrInvalidTransition is wrapped by transition errors.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")

func isValidTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
