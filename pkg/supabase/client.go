package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/logger"
)

// Client talks to a Supabase GoTrue server and implements auth.Remote.
//
// The current session is kept in memory and mirrored to a SessionStorage.
// Listeners are called synchronously, in registration order, after the
// client's own state is updated.
type Client struct {
	baseURL  string
	anonKey  string
	http     *http.Client
	storage  SessionStorage
	logger   *slog.Logger
	now      func() time.Time
	margin   time.Duration
	interval time.Duration

	mu        sync.RWMutex
	session   *auth.Session
	loaded    bool
	listeners []listener
	nextID    int

	refreshMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type listener struct {
	id int
	fn auth.AuthChangeFunc
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithSessionStorage(s SessionStorage) Option {
	return func(cl *Client) {
		if s != nil {
			cl.storage = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

// New creates a client. Without WithSessionStorage the session lives in
// memory, or in the OS keyring when cfg.KeyringService is set.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.AnonKey == "" {
		return nil, ErrMissingAnonKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = time.Minute
	}
	if cfg.AutoRefreshInterval <= 0 {
		cfg.AutoRefreshInterval = 30 * time.Second
	}

	c := &Client{
		baseURL:  strings.TrimSuffix(cfg.URL, "/") + "/auth/v1",
		anonKey:  cfg.AnonKey,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Discard(),
		now:      time.Now,
		margin:   cfg.RefreshMargin,
		interval: cfg.AutoRefreshInterval,
		stop:     make(chan struct{}),
	}
	if cfg.KeyringService != "" {
		c.storage = NewKeyringSessionStorage(cfg.KeyringService)
	} else {
		c.storage = NewMemorySessionStorage()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logger.Component("supabase"))
	return c, nil
}

// CurrentSession returns the stored session, refreshing it first when it
// is about to expire. It returns nil when nobody is signed in.
func (c *Client) CurrentSession(ctx context.Context) (*auth.Session, error) {
	session, err := c.loadSession(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.Expired(c.now().Add(c.margin)) {
		return session, nil
	}
	return c.refresh(ctx, session.RefreshToken)
}

func (c *Client) OnAuthStateChange(fn auth.AuthChangeFunc) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SignOut revokes the session remotely and clears it locally. A session
// the server no longer knows is cleared without error.
func (c *Client) SignOut(ctx context.Context) error {
	session, err := c.loadSession(ctx)
	if err != nil {
		return err
	}
	if session != nil {
		err := c.do(ctx, http.MethodPost, "/logout", url.Values{"scope": {"local"}}, nil, session.AccessToken, nil)
		var apiErr *APIError
		if err != nil && !(errors.As(err, &apiErr) && (apiErr.sessionInvalid() || apiErr.Status == http.StatusNotFound)) {
			return err
		}
	}
	c.clearSession(ctx)
	c.emit(ctx, auth.EventSignedOut, nil)
	return nil
}

func (c *Client) SignInWithMagicLink(ctx context.Context, params auth.MagicLinkParams) error {
	query := url.Values{}
	if params.RedirectTo != "" {
		query.Set("redirect_to", params.RedirectTo)
	}
	body := map[string]any{
		"email":       params.Email,
		"create_user": params.CreateUser,
	}
	return c.do(ctx, http.MethodPost, "/otp", query, body, "", nil)
}

func (c *Client) VerifyOTP(ctx context.Context, tokenHash string, otpType auth.OTPType) (*auth.Session, error) {
	var resp sessionResponse
	body := map[string]string{"token_hash": tokenHash, "type": string(otpType)}
	if err := c.do(ctx, http.MethodPost, "/verify", nil, body, "", &resp); err != nil {
		return nil, err
	}
	return c.signedIn(ctx, resp)
}

// SetSession adopts a token pair received in a deep link. An expired access
// token is refreshed; a live one is validated against /user.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (*auth.Session, error) {
	exp, err := tokenExpiry(accessToken)
	if err != nil {
		return nil, err
	}
	if !exp.IsZero() && !c.now().Before(exp) {
		return c.refresh(ctx, refreshToken)
	}

	var user userResponse
	if err := c.do(ctx, http.MethodGet, "/user", nil, nil, accessToken, &user); err != nil {
		return nil, err
	}
	return c.signedIn(ctx, sessionResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    exp.Unix(),
		User:         &user,
	})
}

func (c *Client) SignInWithIDToken(ctx context.Context, params auth.IDTokenParams) (*auth.Session, error) {
	body := map[string]string{
		"provider": string(params.Provider),
		"id_token": params.Token,
	}
	if params.AccessToken != "" {
		body["access_token"] = params.AccessToken
	}
	if params.Nonce != "" {
		body["nonce"] = params.Nonce
	}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"id_token"}}, body, "", &resp); err != nil {
		return nil, err
	}
	return c.signedIn(ctx, resp)
}

// SignInWithOAuth builds the hosted authorize URL. The session arrives later
// in the redirect's fragment. The client never opens a browser itself, so
// SkipBrowserRedirect needs no handling.
func (c *Client) SignInWithOAuth(_ context.Context, params auth.OAuthParams) (string, error) {
	query := url.Values{"provider": {string(params.Provider)}}
	if params.RedirectTo != "" {
		query.Set("redirect_to", params.RedirectTo)
	}
	if len(params.Scopes) > 0 {
		query.Set("scopes", strings.Join(params.Scopes, " "))
	}
	return c.baseURL + "/authorize?" + query.Encode(), nil
}

// Refresh exchanges the stored refresh token for a new session.
func (c *Client) Refresh(ctx context.Context) (*auth.Session, error) {
	session, err := c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, auth.ErrSessionMissing
	}
	return c.refresh(ctx, session.RefreshToken)
}

// StartAutoRefresh refreshes the session ahead of expiry until ctx ends or
// Close is called.
func (c *Client) StartAutoRefresh(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.autoRefresh(ctx)
			}
		}
	}()
}

// Close stops auto refresh.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func (c *Client) autoRefresh(ctx context.Context) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil || !session.Expired(c.now().Add(c.margin)) {
		return
	}
	if _, err := c.refresh(ctx, session.RefreshToken); err != nil {
		c.logger.WarnContext(ctx, "automatic session refresh failed", logger.Error(err))
	}
}

// refresh is serialized; a caller that waited behind another refresh of the
// same token gets that result instead of spending the token twice.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*auth.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	current := c.session
	c.mu.RUnlock()
	if current != nil && current.RefreshToken != refreshToken && !current.Expired(c.now().Add(c.margin)) {
		return current, nil
	}

	var resp sessionResponse
	body := map[string]string{"refresh_token": refreshToken}
	err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, body, "", &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.sessionInvalid() {
			c.logger.InfoContext(ctx, "refresh token rejected, signing out", logger.Error(err))
			c.clearSession(ctx)
			c.emit(ctx, auth.EventSignedOut, nil)
		}
		return nil, err
	}

	session, err := c.toSession(resp)
	if err != nil {
		return nil, err
	}
	c.storeSession(ctx, session)
	c.emit(ctx, auth.EventTokenRefreshed, session)
	return session, nil
}

func (c *Client) signedIn(ctx context.Context, resp sessionResponse) (*auth.Session, error) {
	session, err := c.toSession(resp)
	if err != nil {
		return nil, err
	}
	c.storeSession(ctx, session)
	c.emit(ctx, auth.EventSignedIn, session)
	return session, nil
}

func (c *Client) loadSession(ctx context.Context) (*auth.Session, error) {
	c.mu.RLock()
	if c.loaded {
		session := c.session
		c.mu.RUnlock()
		return session, nil
	}
	c.mu.RUnlock()

	session, err := c.storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("supabase: load session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.session = session
		c.loaded = true
	}
	return c.session, nil
}

func (c *Client) storeSession(ctx context.Context, session *auth.Session) {
	c.mu.Lock()
	c.session = session
	c.loaded = true
	c.mu.Unlock()

	if err := c.storage.Save(ctx, session); err != nil {
		c.logger.WarnContext(ctx, "failed to persist session", logger.Error(err))
	}
}

func (c *Client) clearSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.loaded = true
	c.mu.Unlock()

	if err := c.storage.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "failed to clear persisted session", logger.Error(err))
	}
}

func (c *Client) emit(ctx context.Context, event auth.Event, session *auth.Session) {
	c.mu.RLock()
	fns := make([]auth.AuthChangeFunc, len(c.listeners))
	for i, l := range c.listeners {
		fns[i] = l.fn
	}
	c.mu.RUnlock()

	c.logger.DebugContext(ctx, "auth state changed", logger.Event(string(event)), slog.Int("listeners", len(fns)))
	for _, fn := range fns {
		fn(ctx, event, session)
	}
}

func (c *Client) toSession(resp sessionResponse) (*auth.Session, error) {
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.User == nil {
		return nil, ErrInvalidSession
	}

	var expiresAt time.Time
	switch {
	case resp.ExpiresAt > 0:
		expiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		expiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return &auth.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         resp.User.toUser(),
	}, nil
}

// do sends a JSON request and decodes a 2xx response into out. bearer
// defaults to the anon key.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, bearer string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("supabase: encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("supabase: build %s request: %w", path, err)
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("supabase: read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, raw)
		c.logger.DebugContext(ctx, "gotrue request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("supabase: decode %s response: %w", path, err)
	}
	return nil
}
