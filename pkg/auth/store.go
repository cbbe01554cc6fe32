package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/authflow/pkg/atomicop"
	"github.com/dmitrymomot/authflow/pkg/broadcast"
	"github.com/dmitrymomot/authflow/pkg/logger"
	"github.com/dmitrymomot/authflow/pkg/statemachine"
)

// Store phases.
const (
	PhaseUninitialized   = statemachine.StringState("uninitialized")
	PhaseLoading         = statemachine.StringState("loading")
	PhaseAuthenticated   = statemachine.StringState("authenticated")
	PhaseUnauthenticated = statemachine.StringState("unauthenticated")
)

const (
	storeInitialize     = statemachine.StringEvent("initialize")
	storeSignedIn       = statemachine.StringEvent("signed_in")
	storeSignedOut      = statemachine.StringEvent("signed_out")
	storeTokenRefreshed = statemachine.StringEvent("token_refreshed")
)

// State is the observable auth state. IsAuthenticated == (User != nil) holds
// for every value a Store publishes.
type State struct {
	IsAuthenticated bool
	User            *User
	IsLoading       bool
	Phase           string
}

// SessionRecorder is told whether a session exists after every transition.
type SessionRecorder interface {
	SetPersistedSession(ctx context.Context, persisted bool) error
}

// Store is the single source of truth for whether a user is signed in.
// Once subscribed, the remote listener is its only writer.
type Store struct {
	remote   Remote
	ops      *atomicop.Manager
	push     PushTokenRegistry
	queries  QueryCache
	recorder SessionRecorder
	logger   *slog.Logger
	events   *broadcast.MemoryBroadcaster[State]
	machine  *statemachine.Machine

	resubscribeDelay time.Duration

	mu          sync.RWMutex
	state       State
	unsubscribe func()
	subscribing bool
	resubscribe *time.Timer
	closed      bool

	signOuts atomic.Uint64
}

type StoreOption func(*Store)

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPushTokens deregisters the device push token on sign-out.
func WithPushTokens(r PushTokenRegistry) StoreOption {
	return func(s *Store) {
		s.push = r
	}
}

// WithQueryCache cancels and clears application data around logout.
func WithQueryCache(c QueryCache) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.queries = c
		}
	}
}

// WithSessionRecorder mirrors "has a session" into durable storage.
func WithSessionRecorder(r SessionRecorder) StoreOption {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithResubscribeDelay sets the pause before the listener is re-attached
// after logout (default 100ms).
func WithResubscribeDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		s.resubscribeDelay = d
	}
}

func NewStore(remote Remote, ops *atomicop.Manager, opts ...StoreOption) *Store {
	s := &Store{
		remote:           remote,
		ops:              ops,
		queries:          noopQueryCache{},
		logger:           logger.Discard(),
		events:           broadcast.NewMemoryBroadcaster[State](4),
		resubscribeDelay: 100 * time.Millisecond,
		machine: statemachine.MustNew(PhaseUninitialized,
			statemachine.WithTransition(PhaseUninitialized, PhaseLoading, storeInitialize),
			statemachine.WithTransition(PhaseUninitialized, PhaseAuthenticated, storeSignedIn),
			statemachine.WithTransition(PhaseUninitialized, PhaseAuthenticated, storeTokenRefreshed),
			statemachine.WithTransition(PhaseUninitialized, PhaseUnauthenticated, storeSignedOut),
			statemachine.WithTransition(PhaseLoading, PhaseAuthenticated, storeSignedIn),
			statemachine.WithTransition(PhaseLoading, PhaseAuthenticated, storeTokenRefreshed),
			statemachine.WithTransition(PhaseLoading, PhaseUnauthenticated, storeSignedOut),
			statemachine.WithTransition(PhaseUnauthenticated, PhaseAuthenticated, storeSignedIn),
			statemachine.WithTransition(PhaseUnauthenticated, PhaseAuthenticated, storeTokenRefreshed),
			statemachine.WithTransition(PhaseUnauthenticated, PhaseUnauthenticated, storeSignedOut),
			statemachine.WithTransition(PhaseAuthenticated, PhaseAuthenticated, storeSignedIn),
			statemachine.WithTransition(PhaseAuthenticated, PhaseAuthenticated, storeTokenRefreshed),
			statemachine.WithTransition(PhaseAuthenticated, PhaseUnauthenticated, storeSignedOut),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("auth_store"))
	s.state.Phase = PhaseUninitialized.Name()
	return s
}

// Initialize reads the current session once and attaches the listener.
// Later calls only make sure the listener is attached.
func (s *Store) Initialize(ctx context.Context) error {
	return s.ops.Do(ctx, "auth:initialize", "store", func(ctx context.Context) error {
		if !s.machine.Is(PhaseUninitialized) {
			s.subscribe()
			return nil
		}

		if err := s.machine.Fire(ctx, storeInitialize, nil); err != nil {
			return err
		}
		s.setLoading(ctx, true)

		session, err := s.remote.CurrentSession(ctx)
		if err != nil {
			err = providerError("current_session", err)
			s.logger.ErrorContext(ctx, "failed to read current session", logger.Error(err))
			s.commit(ctx, storeSignedOut, nil, false)
			s.subscribe()
			return err
		}

		if session != nil && session.User != nil {
			s.commit(ctx, storeSignedIn, session.User, false)
		} else {
			s.commit(ctx, storeSignedOut, nil, false)
		}
		s.subscribe()
		return nil
	})
}

// Logout signs out remotely and clears application data. A failed sign-out
// is returned after loading is cleared and leaves the user signed in.
func (s *Store) Logout(ctx context.Context) error {
	return s.ops.Do(ctx, "auth:logout", "store", func(ctx context.Context) error {
		s.setLoading(ctx, true)
		s.queries.CancelQueries(ctx)

		seen := s.signOuts.Load()
		if err := s.remote.SignOut(ctx); err != nil {
			err = providerError("sign_out", err)
			s.logger.ErrorContext(ctx, "logout failed", logger.Error(err))
			s.setLoading(ctx, false)
			return err
		}

		s.detach()
		if s.signOuts.Load() == seen {
			// The remote did not emit SIGNED_OUT to the listener during SignOut.
			s.deregisterPushToken(ctx)
		}
		s.commit(ctx, storeSignedOut, nil, false)
		s.queries.Clear(ctx)
		s.scheduleResubscribe()

		s.logger.InfoContext(ctx, "logged out")
		return nil
	})
}

// SetSessionFromTokens exchanges a token pair for a session. With a listener
// attached the store waits for its SIGNED_IN; without one it writes directly.
func (s *Store) SetSessionFromTokens(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	key := "auth:set_session:" + tokenKey(accessToken)
	return atomicop.Run(ctx, s.ops, key, "session", func(ctx context.Context) (*Session, error) {
		session, err := s.remote.SetSession(ctx, accessToken, refreshToken)
		if err == nil && (session == nil || session.User == nil) {
			err = ErrNoUser
		}
		if err != nil {
			err = providerError("set_session", err)
			s.logger.ErrorContext(ctx, "failed to set session from tokens",
				slog.String("token", logger.TokenSuffix(accessToken, 4)),
				logger.Error(err),
			)
			return nil, err
		}

		if !s.Listening() {
			s.commit(ctx, storeSignedIn, session.User, false)
		}
		return session, nil
	})
}

// Refresh re-reads the current session and writes it. It is meant for the
// case where no listener is attached.
func (s *Store) Refresh(ctx context.Context) error {
	session, err := s.remote.CurrentSession(ctx)
	if err != nil {
		return providerError("current_session", err)
	}
	if session != nil && session.User != nil {
		s.commit(ctx, storeSignedIn, session.User, false)
	} else {
		s.commit(ctx, storeSignedOut, nil, false)
	}
	return nil
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Phase returns the current phase name.
func (s *Store) Phase() string {
	return s.machine.Current().Name()
}

// Subscribe streams every published State until ctx ends.
func (s *Store) Subscribe(ctx context.Context) broadcast.Subscriber[State] {
	return s.events.Subscribe(ctx)
}

// Listening reports whether the remote listener is attached.
func (s *Store) Listening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unsubscribe != nil
}

// Close detaches the listener and ends all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.resubscribe != nil {
		s.resubscribe.Stop()
		s.resubscribe = nil
	}
	s.mu.Unlock()

	s.detach()
	return s.events.Close()
}

func (s *Store) handleEvent(ctx context.Context, event Event, session *Session) {
	var user *User
	if session != nil {
		user = session.User
	}

	switch event {
	case EventSignedIn:
		if user == nil {
			s.logger.WarnContext(ctx, "signed-in event without user", logger.Event(string(event)))
			return
		}
		s.commit(ctx, storeSignedIn, user, false)
	case EventTokenRefreshed:
		if user == nil {
			user = s.Snapshot().User
		}
		if user == nil {
			return
		}
		s.commit(ctx, storeTokenRefreshed, user, false)
	case EventSignedOut:
		s.signOuts.Add(1)
		s.commit(ctx, storeSignedOut, nil, false)
		s.deregisterPushToken(ctx)
	default:
		s.logger.DebugContext(ctx, "ignoring auth event", logger.Event(string(event)))
	}
}

// commit is the only place that changes identity fields.
func (s *Store) commit(ctx context.Context, event statemachine.StringEvent, user *User, loading bool) {
	s.mu.Lock()
	if err := s.machine.Fire(ctx, event, nil); err != nil {
		s.logger.WarnContext(ctx, "rejected auth transition",
			logger.Event(event.Name()),
			slog.String("phase", s.machine.Current().Name()),
			logger.Error(err),
		)
	}
	s.state = State{
		IsAuthenticated: user != nil,
		User:            user,
		IsLoading:       loading,
		Phase:           s.machine.Current().Name(),
	}
	snapshot := s.state
	s.mu.Unlock()

	s.publish(ctx, snapshot)

	if s.recorder != nil {
		if err := s.recorder.SetPersistedSession(ctx, snapshot.IsAuthenticated); err != nil {
			s.logger.WarnContext(ctx, "failed to persist session flag", logger.Error(err))
		}
	}
}

func (s *Store) setLoading(ctx context.Context, loading bool) {
	s.mu.Lock()
	s.state.IsLoading = loading
	s.state.Phase = s.machine.Current().Name()
	snapshot := s.state
	s.mu.Unlock()

	s.publish(ctx, snapshot)
}

func (s *Store) publish(ctx context.Context, state State) {
	_ = s.events.Broadcast(ctx, broadcast.Message[State]{Data: state})
}

// subscribe registers outside the lock: a remote may emit during registration.
func (s *Store) subscribe() {
	s.mu.Lock()
	if s.unsubscribe != nil || s.subscribing || s.closed {
		s.mu.Unlock()
		return
	}
	s.subscribing = true
	s.mu.Unlock()

	unsubscribe := s.remote.OnAuthStateChange(s.handleEvent)

	s.mu.Lock()
	s.subscribing = false
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

func (s *Store) detach() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Store) scheduleResubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.resubscribe != nil {
		s.resubscribe.Stop()
	}
	s.resubscribe = time.AfterFunc(s.resubscribeDelay, s.subscribe)
}

func (s *Store) deregisterPushToken(ctx context.Context) {
	if s.push == nil {
		return
	}
	token, err := s.push.CurrentDevicePushToken(ctx)
	if err != nil || token == "" {
		if err != nil {
			s.logger.WarnContext(ctx, "failed to read device push token", logger.Error(err))
		}
		return
	}
	if err := s.push.RemoveToken(ctx, token); err != nil {
		s.logger.WarnContext(ctx, "failed to deregister push token", logger.Error(err))
	}
}
