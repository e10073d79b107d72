package call

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of the controller's call.
type State int

const (
	// StateIdle means no call exists
	StateIdle State = iota
	// StateIncoming is an unanswered inbound call exposing the caller identity
	StateIncoming
	// StateCalling is after dial or accept, awaiting provider confirmation
	StateCalling
	// StateConnected is an established call
	StateConnected
	// StateEnded is the terminal state of a call, held for the grace delay
	StateEnded
)

// String returns the lowercase state name used on the control API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIncoming:
		return "incoming"
	case StateCalling:
		return "calling"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateIdle:      {StateCalling, StateIncoming},
	StateIncoming:  {StateCalling, StateIdle},
	StateCalling:   {StateConnected, StateEnded, StateIdle},
	StateConnected: {StateEnded},
	StateEnded:     {StateIdle},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(validTransitions[s], next)
}

// IsActive reports whether a call occupies the controller.
func (s State) IsActive() bool {
	return s != StateIdle && s != StateEnded
}

// Direction of a call relative to this softphone.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}
