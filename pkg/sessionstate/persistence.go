package sessionstate

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dmitrymomot/authflow/pkg/logger"
)

const (
	// DefaultCheckInterval is how long a session check stays fresh.
	DefaultCheckInterval = 5 * time.Minute

	persistedSessionKey = "has_persisted_session"
)

// Persistence tracks whether a session survived the last run. Only
// hasPersistedSession is durable; the restored flag and the last check time
// start empty on every cold start.
type Persistence struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.RWMutex
	restored  bool
	lastCheck time.Time
}

type Option func(*Persistence)

// WithCheckInterval sets how long ShouldCheckSession stays false after a check.
func WithCheckInterval(d time.Duration) Option {
	return func(p *Persistence) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Persistence) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Persistence) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Persistence over store. A nil store uses a MemoryStore.
func New(store Store, opts ...Option) *Persistence {
	if store == nil {
		store = NewMemoryStore()
	}
	p := &Persistence{
		store:    store,
		interval: DefaultCheckInterval,
		now:      time.Now,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logger.Component("session_persistence"))
	return p
}

// HasPersistedSession reports whether the previous run ended signed in.
func (p *Persistence) HasPersistedSession(ctx context.Context) (bool, error) {
	v, err := p.store.Get(ctx, persistedSessionKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	persisted, err := strconv.ParseBool(v)
	if err != nil {
		p.logger.WarnContext(ctx, "corrupt persisted session flag, treating as absent", slog.String("value", v))
		return false, nil
	}
	return persisted, nil
}

// SetPersistedSession stores the flag. Clearing it deletes the entry.
func (p *Persistence) SetPersistedSession(ctx context.Context, persisted bool) error {
	if !persisted {
		return p.store.Delete(ctx, persistedSessionKey)
	}
	return p.store.Set(ctx, persistedSessionKey, strconv.FormatBool(true))
}

// SessionRestored reports whether MarkSessionRestored was called in this run.
func (p *Persistence) SessionRestored() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.restored
}

func (p *Persistence) MarkSessionRestored() {
	p.mu.Lock()
	p.restored = true
	p.mu.Unlock()
}

// ShouldCheckSession reports whether the check interval has passed since the
// last MarkSessionChecked. It is true before the first check.
func (p *Persistence) ShouldCheckSession() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCheck.IsZero() || p.now().Sub(p.lastCheck) > p.interval
}

func (p *Persistence) MarkSessionChecked() {
	p.mu.Lock()
	p.lastCheck = p.now()
	p.mu.Unlock()
}

// LastSessionCheck returns the time of the last check, zero if none.
func (p *Persistence) LastSessionCheck() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCheck
}
