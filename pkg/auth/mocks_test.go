package auth

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockRemote is a mock implementation of Remote. OnAuthStateChange records
// the listener so tests can emit events through Emit.
type MockRemote struct {
	mock.Mock

	mu        sync.Mutex
	listeners map[int]AuthChangeFunc
	nextID    int
}

func (m *MockRemote) CurrentSession(ctx context.Context) (*Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockRemote) OnAuthStateChange(fn AuthChangeFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[int]AuthChangeFunc)
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Emit delivers event to every attached listener.
func (m *MockRemote) Emit(ctx context.Context, event Event, session *Session) {
	m.mu.Lock()
	fns := make([]AuthChangeFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, event, session)
	}
}

// Listeners returns the number of attached listeners.
func (m *MockRemote) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *MockRemote) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRemote) SignInWithMagicLink(ctx context.Context, params MagicLinkParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockRemote) VerifyOTP(ctx context.Context, tokenHash string, otpType OTPType) (*Session, error) {
	args := m.Called(ctx, tokenHash, otpType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockRemote) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	args := m.Called(ctx, accessToken, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockRemote) SignInWithIDToken(ctx context.Context, params IDTokenParams) (*Session, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockRemote) SignInWithOAuth(ctx context.Context, params OAuthParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

// MockBrowser is a mock implementation of Browser.
type MockBrowser struct {
	mock.Mock
}

func (m *MockBrowser) OpenAuthSession(ctx context.Context, authURL, redirectURL string) (BrowserResult, error) {
	args := m.Called(ctx, authURL, redirectURL)
	return args.Get(0).(BrowserResult), args.Error(1)
}

// MockStrategy is a mock implementation of Strategy.
type MockStrategy struct {
	mock.Mock
}

func (m *MockStrategy) Prepare(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStrategy) SignIn(ctx context.Context) (Result, error) {
	args := m.Called(ctx)
	return args.Get(0).(Result), args.Error(1)
}

// MockPushTokenRegistry is a mock implementation of PushTokenRegistry.
type MockPushTokenRegistry struct {
	mock.Mock
}

func (m *MockPushTokenRegistry) CurrentDevicePushToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPushTokenRegistry) RemoveToken(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

// MockSessionSetter is a mock implementation of SessionSetter.
type MockSessionSetter struct {
	mock.Mock
}

func (m *MockSessionSetter) SetSessionFromTokens(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	args := m.Called(ctx, accessToken, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

// MockOTPConfirmer is a mock implementation of OTPConfirmer.
type MockOTPConfirmer struct {
	mock.Mock
}

func (m *MockOTPConfirmer) Confirm(ctx context.Context, tokenHash string, otpType OTPType) (*Confirmation, error) {
	args := m.Called(ctx, tokenHash, otpType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Confirmation), args.Error(1)
}

// orderRecorder collects call names in order across mocks.
type orderRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *orderRecorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *orderRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// recordingQueryCache is a QueryCache that records calls.
type recordingQueryCache struct {
	rec *orderRecorder
}

func (c recordingQueryCache) CancelQueries(context.Context) { c.rec.add("cancel_queries") }
func (c recordingQueryCache) Clear(context.Context)         { c.rec.add("clear_queries") }

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testUser(id string) *User {
	return &User{ID: id, Email: id + "@example.com", Provider: ProviderEmail}
}

func testSession(id string) *Session {
	return &Session{AccessToken: "access-" + id, RefreshToken: "refresh-" + id, User: testUser(id)}
}
