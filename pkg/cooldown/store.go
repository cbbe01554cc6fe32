package cooldown

import (
	"context"
	"sync"
	"time"
)

// State holds the timestamps tracked per flow. Only LastSuccess drives the
// cooldown; LastAttempt is informational.
type State struct {
	LastAttempt time.Time
	LastSuccess time.Time
}

// Store persists State per flow.
type Store interface {
	Get(ctx context.Context, flow string) (State, error)
	Save(ctx context.Context, flow string, state State) error
	Delete(ctx context.Context, flow string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(_ context.Context, flow string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[flow], nil
}

func (s *MemoryStore) Save(_ context.Context, flow string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[flow] = state
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, flow string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, flow)
	return nil
}

var _ Store = (*MemoryStore)(nil)
