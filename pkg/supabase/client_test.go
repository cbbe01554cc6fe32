package supabase_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/sessionstate"
	"github.com/dmitrymomot/authflow/pkg/supabase"
)

const anonKey = "anon-key"

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sessionBody(access, refresh string) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
		"user": map[string]any{
			"id":           "user-1",
			"email":        "user@example.com",
			"app_metadata": map[string]any{"provider": "google"},
		},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.Event
}

func (l *eventLog) record(_ context.Context, event auth.Event, _ *auth.Session) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) list() []auth.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]auth.Event(nil), l.events...)
}

func newClient(t *testing.T, handler http.Handler, opts ...supabase.Option) *supabase.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := supabase.New(supabase.Config{URL: srv.URL, AnonKey: anonKey}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := supabase.New(supabase.Config{AnonKey: anonKey})
	require.ErrorIs(t, err, supabase.ErrMissingURL)

	_, err = supabase.New(supabase.Config{URL: "https://example.supabase.co"})
	require.ErrorIs(t, err, supabase.ErrMissingAnonKey)
}

func TestClient_SignInWithMagicLink(t *testing.T) {
	t.Parallel()

	t.Run("posts email and redirect", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/otp", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, anonKey, r.Header.Get("apikey"))
			assert.Equal(t, "app://auth/callback", r.URL.Query().Get("redirect_to"))

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user@example.com", body["email"])
			assert.Equal(t, true, body["create_user"])
			writeJSON(w, http.StatusOK, map[string]any{})
		})

		c := newClient(t, mux)
		err := c.SignInWithMagicLink(context.Background(), auth.MagicLinkParams{
			Email:      "user@example.com",
			RedirectTo: "app://auth/callback",
			CreateUser: true,
		})
		require.NoError(t, err)
	})

	t.Run("error body is summarized", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/otp", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error_code": "over_email_send_rate_limit",
				"msg":        "For security purposes, you can only request this once every 60 seconds",
			})
		})

		c := newClient(t, mux)
		err := c.SignInWithMagicLink(context.Background(), auth.MagicLinkParams{Email: "user@example.com"})

		var apiErr *supabase.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
		assert.Equal(t, "over_email_send_rate_limit", apiErr.Code)
		assert.Contains(t, apiErr.Message, "once every 60 seconds")
		assert.NotErrorIs(t, err, auth.ErrSessionMissing)
	})

	t.Run("unknown error body never echoes tokens", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/otp", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"access_token":  "secret-token-value",
				"refresh_token": "secret-refresh-token",
			})
		})

		c := newClient(t, mux)
		err := c.SignInWithMagicLink(context.Background(), auth.MagicLinkParams{Email: "user@example.com"})
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "secret-token-value")
		assert.Contains(t, err.Error(), "authentication provider returned an error")
	})
}

func TestClient_Sessions(t *testing.T) {
	t.Parallel()

	t.Run("verify otp stores session and emits signed in", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/verify", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hash-1", body["token_hash"])
			assert.Equal(t, "magiclink", body["type"])
			writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
		})

		storage := supabase.NewMemorySessionStorage()
		c := newClient(t, mux, supabase.WithSessionStorage(storage))
		log := &eventLog{}
		c.OnAuthStateChange(log.record)

		session, err := c.VerifyOTP(context.Background(), "hash-1", auth.OTPMagicLink)
		require.NoError(t, err)
		assert.Equal(t, "user-1", session.User.ID)
		assert.Equal(t, auth.ProviderGoogle, session.User.Provider)
		assert.Equal(t, []auth.Event{auth.EventSignedIn}, log.list())

		current, err := c.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-1", current.AccessToken)

		stored, err := storage.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "refresh-1", stored.RefreshToken)
	})

	t.Run("set session validates live token against user endpoint", func(t *testing.T) {
		t.Parallel()

		access := signToken(t, time.Now().Add(time.Hour))
		mux := http.NewServeMux()
		mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+access {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error_code": "bad_jwt", "msg": "invalid JWT"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "user-1", "email": "user@example.com"})
		})

		c := newClient(t, mux)
		session, err := c.SetSession(context.Background(), access, "refresh-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", session.User.ID)
		assert.Equal(t, auth.ProviderEmail, session.User.Provider)
		assert.False(t, session.ExpiresAt.IsZero())
	})

	t.Run("set session refreshes expired token", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
			writeJSON(w, http.StatusOK, sessionBody("access-2", "refresh-2"))
		})

		c := newClient(t, mux)
		log := &eventLog{}
		c.OnAuthStateChange(log.record)

		session, err := c.SetSession(context.Background(), signToken(t, time.Now().Add(-time.Minute)), "refresh-1")
		require.NoError(t, err)
		assert.Equal(t, "access-2", session.AccessToken)
		assert.Equal(t, []auth.Event{auth.EventTokenRefreshed}, log.list())
	})

	t.Run("malformed access token is rejected", func(t *testing.T) {
		t.Parallel()

		c := newClient(t, http.NotFoundHandler())
		_, err := c.SetSession(context.Background(), "not-a-jwt", "refresh")
		require.ErrorIs(t, err, auth.ErrInvalidCallback)
	})

	t.Run("id token grant forwards nonce", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "id_token", r.URL.Query().Get("grant_type"))
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "google", body["provider"])
			assert.Equal(t, "id-token", body["id_token"])
			assert.Equal(t, "raw-nonce", body["nonce"])
			writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
		})

		c := newClient(t, mux)
		session, err := c.SignInWithIDToken(context.Background(), auth.IDTokenParams{
			Provider: auth.ProviderGoogle,
			Token:    "id-token",
			Nonce:    "raw-nonce",
		})
		require.NoError(t, err)
		assert.Equal(t, "access-1", session.AccessToken)
	})

	t.Run("response without user is invalid", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/verify", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "refresh_token": "r"})
		})

		c := newClient(t, mux)
		_, err := c.VerifyOTP(context.Background(), "hash", auth.OTPMagicLink)
		require.ErrorIs(t, err, supabase.ErrInvalidSession)
	})
}

func TestClient_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("current session refreshes near expiry", func(t *testing.T) {
		t.Parallel()

		var refreshes atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			refreshes.Add(1)
			writeJSON(w, http.StatusOK, sessionBody("access-2", "refresh-2"))
		})

		storage := supabase.NewMemorySessionStorage()
		require.NoError(t, storage.Save(context.Background(), &auth.Session{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(30 * time.Second),
			User:         &auth.User{ID: "user-1"},
		}))

		c := newClient(t, mux, supabase.WithSessionStorage(storage))
		session, err := c.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-2", session.AccessToken)
		assert.Equal(t, int32(1), refreshes.Load())

		session, err = c.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "access-2", session.AccessToken)
		assert.Equal(t, int32(1), refreshes.Load())
	})

	t.Run("rejected refresh token signs out", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error_code": "refresh_token_not_found",
				"msg":        "Invalid Refresh Token: Refresh Token Not Found",
			})
		})

		storage := supabase.NewMemorySessionStorage()
		require.NoError(t, storage.Save(context.Background(), &auth.Session{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(-time.Minute),
			User:         &auth.User{ID: "user-1"},
		}))

		c := newClient(t, mux, supabase.WithSessionStorage(storage))
		log := &eventLog{}
		c.OnAuthStateChange(log.record)

		_, err := c.CurrentSession(context.Background())
		require.ErrorIs(t, err, auth.ErrSessionMissing)
		assert.Equal(t, auth.CategoryNeedsSignIn, auth.Classify(err))
		assert.Equal(t, []auth.Event{auth.EventSignedOut}, log.list())

		stored, err := storage.Load(context.Background())
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("refresh without session needs sign in", func(t *testing.T) {
		t.Parallel()

		c := newClient(t, http.NotFoundHandler())
		_, err := c.Refresh(context.Background())
		require.ErrorIs(t, err, auth.ErrSessionMissing)
	})
}

func TestClient_SignOut(t *testing.T) {
	t.Parallel()

	t.Run("revokes and clears", func(t *testing.T) {
		t.Parallel()

		var loggedOut atomic.Bool
		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/verify", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
		})
		mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
			loggedOut.Store(true)
			w.WriteHeader(http.StatusNoContent)
		})

		c := newClient(t, mux)
		log := &eventLog{}
		unsubscribe := c.OnAuthStateChange(log.record)

		_, err := c.VerifyOTP(context.Background(), "hash", auth.OTPMagicLink)
		require.NoError(t, err)
		require.NoError(t, c.SignOut(context.Background()))
		assert.True(t, loggedOut.Load())

		session, err := c.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, session)
		assert.Equal(t, []auth.Event{auth.EventSignedIn, auth.EventSignedOut}, log.list())

		unsubscribe()
		unsubscribe()
		_, err = c.VerifyOTP(context.Background(), "hash", auth.OTPMagicLink)
		require.NoError(t, err)
		assert.Len(t, log.list(), 2)
	})

	t.Run("server failure keeps session", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("POST /auth/v1/verify", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sessionBody("access-1", "refresh-1"))
		})
		mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"msg": "database unavailable"})
		})

		c := newClient(t, mux)
		_, err := c.VerifyOTP(context.Background(), "hash", auth.OTPMagicLink)
		require.NoError(t, err)

		require.Error(t, c.SignOut(context.Background()))
		session, err := c.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, session)
	})
}

func TestClient_SignInWithOAuth(t *testing.T) {
	t.Parallel()

	c, err := supabase.New(supabase.Config{URL: "https://project.supabase.co/", AnonKey: anonKey})
	require.NoError(t, err)

	raw, err := c.SignInWithOAuth(context.Background(), auth.OAuthParams{
		Provider:   auth.ProviderApple,
		RedirectTo: "app://auth/callback",
		Scopes:     []string{"name", "email"},
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/auth/v1/authorize", u.Path)
	assert.Equal(t, "apple", u.Query().Get("provider"))
	assert.Equal(t, "app://auth/callback", u.Query().Get("redirect_to"))
	assert.Equal(t, "name email", u.Query().Get("scopes"))
}

func TestStoreSessionStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := supabase.NewStoreSessionStorage(sessionstate.NewMemoryStore())

	session, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	expires := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, storage.Save(ctx, &auth.Session{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    expires,
		User:         &auth.User{ID: "u1", Email: "u1@example.com", Provider: auth.ProviderApple},
	}))

	session, err = storage.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", session.AccessToken)
	assert.True(t, expires.Equal(session.ExpiresAt))
	assert.Equal(t, auth.ProviderApple, session.User.Provider)

	require.NoError(t, storage.Clear(ctx))
	session, err = storage.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	err := error(&supabase.APIError{Status: http.StatusUnauthorized, Message: "expired"})
	assert.True(t, errors.Is(err, auth.ErrSessionMissing))

	err = &supabase.APIError{Status: http.StatusBadRequest, Code: "validation_failed"}
	assert.False(t, errors.Is(err, auth.ErrSessionMissing))
}
