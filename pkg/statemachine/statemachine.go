package statemachine

import (
	"context"
)

// State represents a state in the state machine.
type State interface {
	Name() string
}

// Event represents an event that can trigger a state transition.
type Event interface {
	Name() string
}

// Action executes side effects during a transition. Returning an error prevents it.
type Action func(ctx context.Context, from, to State, event Event, data any) error

// Guard evaluates whether a transition may proceed.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Hook observes committed transitions. It runs after the state has changed
// and cannot veto it.
type Hook func(from, to State, event Event)

// Transition defines a state change triggered by an event, with optional guards and actions.
type Transition struct {
	From    State
	To      State
	Event   Event
	Guards  []Guard  // All must pass
	Actions []Action // Executed in order before the state changes
}

// StateMachine defines the finite state machine operations.
type StateMachine interface {
	Current() State
	Is(state State) bool
	Fire(ctx context.Context, event Event, data any) error
	CanFire(ctx context.Context, event Event, data any) bool
	Reset()
}

// StringState is a string-based State.
type StringState string

func (s StringState) Name() string {
	return string(s)
}

// StringEvent is a string-based Event.
type StringEvent string

func (e StringEvent) Name() string {
	return string(e)
}
