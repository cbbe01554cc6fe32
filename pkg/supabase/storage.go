package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/sessionstate"
)

// SessionStorage persists the current session between runs. Load returns
// nil when nothing is stored.
type SessionStorage interface {
	Load(ctx context.Context) (*auth.Session, error)
	Save(ctx context.Context, session *auth.Session) error
	Clear(ctx context.Context) error
}

// MemorySessionStorage keeps the session for the life of the process.
type MemorySessionStorage struct {
	mu      sync.Mutex
	session *auth.Session
}

func NewMemorySessionStorage() *MemorySessionStorage {
	return &MemorySessionStorage{}
}

func (s *MemorySessionStorage) Load(context.Context) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

func (s *MemorySessionStorage) Save(_ context.Context, session *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.session = &cp
	return nil
}

func (s *MemorySessionStorage) Clear(context.Context) error {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	return nil
}

const sessionKey = "supabase_session"

type storedSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Provider     string    `json:"provider"`
}

// StoreSessionStorage serializes the session as JSON into a sessionstate.Store.
type StoreSessionStorage struct {
	store sessionstate.Store
}

func NewStoreSessionStorage(store sessionstate.Store) *StoreSessionStorage {
	return &StoreSessionStorage{store: store}
}

// NewKeyringSessionStorage stores the session in the OS secure storage.
func NewKeyringSessionStorage(service string) *StoreSessionStorage {
	return NewStoreSessionStorage(sessionstate.NewKeyringStore(service))
}

func (s *StoreSessionStorage) Load(ctx context.Context) (*auth.Session, error) {
	raw, err := s.store.Get(ctx, sessionKey)
	if errors.Is(err, sessionstate.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("supabase: decode stored session: %w", err)
	}
	if stored.AccessToken == "" || stored.RefreshToken == "" {
		return nil, nil
	}

	session := &auth.Session{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    stored.ExpiresAt,
	}
	if stored.UserID != "" {
		session.User = &auth.User{ID: stored.UserID, Email: stored.Email, Provider: auth.Provider(stored.Provider)}
	}
	return session, nil
}

func (s *StoreSessionStorage) Save(ctx context.Context, session *auth.Session) error {
	stored := storedSession{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
	}
	if session.User != nil {
		stored.UserID = session.User.ID
		stored.Email = session.User.Email
		stored.Provider = string(session.User.Provider)
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("supabase: encode session: %w", err)
	}
	return s.store.Set(ctx, sessionKey, string(raw))
}

func (s *StoreSessionStorage) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, sessionKey)
}

var (
	_ SessionStorage = (*MemorySessionStorage)(nil)
	_ SessionStorage = (*StoreSessionStorage)(nil)
)
