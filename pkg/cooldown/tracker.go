package cooldown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/authflow/pkg/logger"
)

// Tracker enforces a minimum interval between successful attempts per flow.
// A failed attempt never extends the wait.
type Tracker struct {
	store      Store
	mu         sync.RWMutex
	cooldowns  map[string]time.Duration
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Tracker)

// WithCooldown sets the interval for one flow.
func WithCooldown(flow string, d time.Duration) Option {
	return func(t *Tracker) {
		t.cooldowns[flow] = d
	}
}

// WithDefaultCooldown sets the interval for flows without their own.
func WithDefaultCooldown(d time.Duration) Option {
	return func(t *Tracker) {
		t.defaultTTL = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a Tracker. A nil store uses a MemoryStore.
func NewTracker(store Store, opts ...Option) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		store:      store,
		cooldowns:  make(map[string]time.Duration),
		defaultTTL: 3 * time.Second,
		now:        time.Now,
		logger:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Cooldown returns the interval configured for flow.
func (t *Tracker) Cooldown(flow string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.cooldowns[flow]; ok {
		return d
	}
	return t.defaultTTL
}

// Check returns *Error when flow is still cooling down.
func (t *Tracker) Check(ctx context.Context, flow string) error {
	left, err := t.Remaining(ctx, flow)
	if err != nil {
		return err
	}
	if left > 0 {
		t.logger.DebugContext(ctx, "attempt rejected by cooldown",
			logger.Flow(flow),
			logger.Duration(left),
		)
		return &Error{Flow: flow, Remaining: left}
	}
	return nil
}

// Remaining returns the wait left for flow, or zero.
func (t *Tracker) Remaining(ctx context.Context, flow string) (time.Duration, error) {
	if flow == "" {
		return 0, ErrEmptyFlow
	}
	state, err := t.store.Get(ctx, flow)
	if err != nil {
		return 0, err
	}
	return Remaining(state.LastSuccess, t.Cooldown(flow), t.now()), nil
}

// RecordAttempt stamps LastAttempt. It does not affect Check.
func (t *Tracker) RecordAttempt(ctx context.Context, flow string) error {
	return t.update(ctx, flow, func(s *State, now time.Time) {
		s.LastAttempt = now
	})
}

// RecordSuccess stamps both LastAttempt and LastSuccess, starting the cooldown.
func (t *Tracker) RecordSuccess(ctx context.Context, flow string) error {
	return t.update(ctx, flow, func(s *State, now time.Time) {
		s.LastAttempt = now
		s.LastSuccess = now
	})
}

// State returns the stored timestamps for flow.
func (t *Tracker) State(ctx context.Context, flow string) (State, error) {
	if flow == "" {
		return State{}, ErrEmptyFlow
	}
	return t.store.Get(ctx, flow)
}

// Reset clears flow's state.
func (t *Tracker) Reset(ctx context.Context, flow string) error {
	if flow == "" {
		return ErrEmptyFlow
	}
	return t.store.Delete(ctx, flow)
}

func (t *Tracker) update(ctx context.Context, flow string, fn func(*State, time.Time)) error {
	if flow == "" {
		return ErrEmptyFlow
	}
	state, err := t.store.Get(ctx, flow)
	if err != nil {
		return err
	}
	fn(&state, t.now())
	return t.store.Save(ctx, flow, state)
}
