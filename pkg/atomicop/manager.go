package atomicop

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/authflow/pkg/logger"
)

const DefaultStaleAfter = 2 * time.Minute

// Lock describes an in-flight exclusive operation.
type Lock struct {
	Key       string
	Category  string
	StartedAt time.Time
	Owner     uuid.UUID
}

// Manager grants at most one in-flight operation per key. A second caller for
// a held key fails immediately with *ConflictError; it never waits.
type Manager struct {
	mu         sync.Mutex
	locks      map[string]Lock
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Manager)

// WithStaleAfter sets the fairness timeout after which a held lock is treated
// as abandoned and may be taken over. Zero disables takeover.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		m.staleAfter = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		locks:      make(map[string]Lock),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes fn while holding key. The lock is released when fn returns or panics.
func Run[T any](ctx context.Context, m *Manager, key, category string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	owner, err := m.acquire(ctx, key, category)
	if err != nil {
		return zero, err
	}
	defer m.release(key, owner)

	return fn(ctx)
}

// Do is Run for operations without a result.
func (m *Manager) Do(ctx context.Context, key, category string, fn func(context.Context) error) error {
	_, err := Run(ctx, m, key, category, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// IsHeld reports whether key currently has a live lock.
func (m *Manager) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	return ok && !m.stale(l)
}

// Active returns a snapshot of held locks, oldest first.
func (m *Manager) Active() []Lock {
	m.mu.Lock()
	locks := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, l)
	}
	m.mu.Unlock()

	slices.SortFunc(locks, func(a, b Lock) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return locks
}

func (m *Manager) acquire(ctx context.Context, key, category string) (uuid.UUID, error) {
	if key == "" {
		return uuid.Nil, ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[key]; ok {
		if !m.stale(held) {
			m.logger.DebugContext(ctx, "operation conflict",
				logger.OpKey(key),
				logger.Category(category),
				logger.Duration(now.Sub(held.StartedAt)),
			)
			return uuid.Nil, &ConflictError{Key: key, Category: held.Category, HeldFor: now.Sub(held.StartedAt)}
		}
		m.logger.WarnContext(ctx, "taking over abandoned operation lock",
			logger.OpKey(key),
			logger.Category(held.Category),
			logger.Duration(now.Sub(held.StartedAt)),
		)
	}

	owner := uuid.New()
	m.locks[key] = Lock{Key: key, Category: category, StartedAt: now, Owner: owner}
	return owner, nil
}

// release removes the lock only if owner still holds it; a holder that was
// taken over must not free its successor's lock.
func (m *Manager) release(key string, owner uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && l.Owner == owner {
		delete(m.locks, key)
	}
}

// Must be called with lock held.
func (m *Manager) stale(l Lock) bool {
	return m.staleAfter > 0 && m.now().Sub(l.StartedAt) >= m.staleAfter
}
