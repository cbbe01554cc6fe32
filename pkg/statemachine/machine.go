package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Machine is a mutex-guarded in-memory StateMachine.
// Transitions are indexed as [fromState][event] for constant-time lookup.
type Machine struct {
	initial     State
	current     State
	transitions map[string]map[string][]Transition
	hooks       []Hook
	mu          sync.RWMutex
}

// Option configures a Machine during construction.
type Option func(*Machine) error

// TransitionOption configures a single transition.
type TransitionOption func(*Transition)

// New creates a state machine in the given initial state.
func New(initial State, opts ...Option) (*Machine, error) {
	if initial == nil {
		return nil, ErrInvalidTransition
	}

	m := &Machine{
		initial:     initial,
		current:     initial,
		transitions: make(map[string]map[string][]Transition),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on invalid definitions. Transition tables are
// static, so a failure here is a programming error.
func MustNew(initial State, opts ...Option) *Machine {
	m, err := New(initial, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create state machine: %v", err))
	}
	return m
}

// WithTransition registers a transition. Several transitions may share the
// same from/event pair; the first whose guards pass wins.
func WithTransition(from, to State, event Event, opts ...TransitionOption) Option {
	return func(m *Machine) error {
		if from == nil || to == nil || event == nil {
			return ErrInvalidTransition
		}
		t := Transition{From: from, To: to, Event: event}
		for _, opt := range opts {
			opt(&t)
		}
		byEvent, ok := m.transitions[from.Name()]
		if !ok {
			byEvent = make(map[string][]Transition)
			m.transitions[from.Name()] = byEvent
		}
		byEvent[event.Name()] = append(byEvent[event.Name()], t)
		return nil
	}
}

// WithHook registers an observer for committed transitions.
func WithHook(h Hook) Option {
	return func(m *Machine) error {
		if h != nil {
			m.hooks = append(m.hooks, h)
		}
		return nil
	}
}

func WithGuard(g Guard) TransitionOption {
	return func(t *Transition) {
		if g != nil {
			t.Guards = append(t.Guards, g)
		}
	}
}

func WithAction(a Action) TransitionOption {
	return func(t *Transition) {
		if a != nil {
			t.Actions = append(t.Actions, a)
		}
	}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is currently in state.
func (m *Machine) Is(state State) bool {
	return state != nil && m.Current().Name() == state.Name()
}

func (m *Machine) Fire(ctx context.Context, event Event, data any) error {
	if event == nil {
		return ErrInvalidEvent
	}

	m.mu.Lock()
	from := m.current
	t, err := m.match(ctx, event, data)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	for _, action := range t.Actions {
		if err := action(ctx, from, t.To, event, data); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("action failed: %w", err)
		}
	}

	m.current = t.To
	hooks := m.hooks
	m.mu.Unlock()

	for _, h := range hooks {
		h(from, t.To, event)
	}
	return nil
}

func (m *Machine) CanFire(ctx context.Context, event Event, data any) bool {
	if event == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.match(ctx, event, data)
	return err == nil
}

func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
}

// Must be called with lock held.
func (m *Machine) match(ctx context.Context, event Event, data any) (*Transition, error) {
	state := m.current.Name()
	candidates := m.transitions[state][event.Name()]
	if len(candidates) == 0 {
		return nil, NewErrNoTransitionAvailable(state, event.Name())
	}

	for i := range candidates {
		t := &candidates[i]
		passed := true
		for _, guard := range t.Guards {
			if !guard(ctx, m.current, event, data) {
				passed = false
				break
			}
		}
		if passed {
			return t, nil
		}
	}
	return nil, NewErrTransitionRejected(state, event.Name())
}

var _ StateMachine = (*Machine)(nil)
