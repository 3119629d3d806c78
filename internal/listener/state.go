package listener

import "slices"

// State is the listener session state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateProcessing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateListening:
		return "Listening"
	case StateProcessing:
		return "Processing"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateIdle:       {StateStarting},
	StateStarting:   {StateListening, StateProcessing, StateIdle, StateFailed},
	StateListening:  {StateProcessing, StateIdle},
	StateProcessing: {StateStarting, StateIdle, StateFailed},
	StateFailed:     {StateStarting, StateIdle},
}

// StateMachine guards session state changes. It is not safe for concurrent
// use; the controller worker owns it.
type StateMachine struct {
	currentState State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{currentState: StateIdle}
}

func (sm *StateMachine) CanTransition(to State) bool {
	validTo, ok := validTransitions[sm.currentState]
	if !ok {
		return false
	}
	return slices.Contains(validTo, to)
}

func (sm *StateMachine) Transition(to State) bool {
	if sm.CanTransition(to) {
		sm.currentState = to
		return true
	}
	return false
}

func (sm *StateMachine) GetCurrentState() State {
	return sm.currentState
}
