package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/dmitrymomot/authflow/pkg/logger"
)

// BrowserResultType is how a web-auth session ended.
type BrowserResultType string

const (
	BrowserSuccess BrowserResultType = "success"
	BrowserCancel  BrowserResultType = "cancel"
	BrowserDismiss BrowserResultType = "dismiss"
)

// BrowserResult is returned by Browser. URL is set for BrowserSuccess.
type BrowserResult struct {
	Type BrowserResultType
	URL  string
}

// Browser opens an authorization URL in a system web-auth session and
// returns when the session closes.
type Browser interface {
	OpenAuthSession(ctx context.Context, authURL, redirectURL string) (BrowserResult, error)
}

// ProviderTokens are the tokens returned by a provider's token endpoint.
type ProviderTokens struct {
	IDToken     string
	AccessToken string
}

// ProviderAdapter hides provider endpoints and client credentials from the
// native strategy.
type ProviderAdapter interface {
	Provider() Provider
	RedirectURL() string
	// Prepare validates configuration and builds any client secret.
	Prepare(ctx context.Context) error
	AuthCodeURL(state, hashedNonce string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (ProviderTokens, error)
}

// NativeStrategy runs an authorization-code flow with PKCE in a system
// browser, exchanges the code with the provider and trades the ID token for a
// session with the remote service.
type NativeStrategy struct {
	adapter ProviderAdapter
	remote  Remote
	browser Browser
	hub     *RedirectHub
	grace   time.Duration
	logger  *slog.Logger
}

type NativeOption func(*NativeStrategy)

// WithRedirectGrace sets how long a dismissed browser session waits for the
// redirect to arrive as a deep link (default 3s).
func WithRedirectGrace(d time.Duration) NativeOption {
	return func(s *NativeStrategy) {
		s.grace = d
	}
}

func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(s *NativeStrategy) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewNativeStrategy(adapter ProviderAdapter, remote Remote, browser Browser, hub *RedirectHub, opts ...NativeOption) *NativeStrategy {
	s := &NativeStrategy{
		adapter: adapter,
		remote:  remote,
		browser: browser,
		hub:     hub,
		grace:   3 * time.Second,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewRedirectHub()
	}
	return s
}

func (s *NativeStrategy) Prepare(ctx context.Context) error {
	if s.browser == nil {
		return fmt.Errorf("%w: no browser configured", ErrProviderUnavailable)
	}
	return s.adapter.Prepare(ctx)
}

func (s *NativeStrategy) SignIn(ctx context.Context) (Result, error) {
	p := newPKCEParams()
	authURL := s.adapter.AuthCodeURL(p.State, p.HashedNonce, oauth2.S256ChallengeOption(p.Verifier))

	fallback, cancel := s.hub.Expect(p.State)
	defer cancel()

	res, err := s.browser.OpenAuthSession(ctx, authURL, s.adapter.RedirectURL())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	redirect := res.URL
	switch res.Type {
	case BrowserSuccess:
	case BrowserCancel:
		select {
		case redirect = <-fallback:
		default:
			return Result{Kind: KindCancelled}, nil
		}
	default:
		s.logger.DebugContext(ctx, "browser dismissed, waiting for redirect deep link", logger.Duration(s.grace))
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case redirect = <-fallback:
		case <-timer.C:
			return Result{Kind: KindCancelled}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	code, err := authorizationCode(redirect, p.State)
	var cbErr *CallbackError
	if errors.As(err, &cbErr) && cbErr.Code == "access_denied" {
		return Result{Kind: KindCancelled}, nil
	}
	if err != nil {
		return Result{}, err
	}

	tokens, err := s.adapter.Exchange(ctx, code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		return Result{}, fmt.Errorf("exchange code: %w", err)
	}
	if tokens.IDToken == "" {
		return Result{}, ErrMissingIDToken
	}

	session, err := s.remote.SignInWithIDToken(ctx, IDTokenParams{
		Provider:    s.adapter.Provider(),
		Token:       tokens.IDToken,
		AccessToken: tokens.AccessToken,
		Nonce:       p.Nonce,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sign in with id token: %w", err)
	}
	return Result{Kind: KindSuccess, Session: session}, nil
}

func authorizationCode(redirect, state string) (string, error) {
	params, err := redirectParams(redirect)
	if err != nil {
		return "", errors.Join(ErrMissingCode, err)
	}
	if code := params.Get("error"); code != "" {
		return "", &CallbackError{Code: code, Description: params.Get("error_description")}
	}
	if params.Get("state") != state {
		return "", ErrStateMismatch
	}
	code := params.Get("code")
	if code == "" {
		return "", ErrMissingCode
	}
	return code, nil
}

// HostedStrategy asks the remote for a provider URL and opens it. The session
// arrives later through the deep link processor, so a finished browser
// session yields KindPendingCallback.
type HostedStrategy struct {
	provider   Provider
	remote     Remote
	browser    Browser
	redirectTo string
	scopes     []string
	onRedirect func(ctx context.Context, rawURL string)
}

type HostedOption func(*HostedStrategy)

func WithHostedScopes(scopes ...string) HostedOption {
	return func(s *HostedStrategy) {
		s.scopes = scopes
	}
}

// WithRedirectHandler forwards a redirect URL returned by the browser session
// (typically to the deep link processor).
func WithRedirectHandler(fn func(ctx context.Context, rawURL string)) HostedOption {
	return func(s *HostedStrategy) {
		s.onRedirect = fn
	}
}

func NewHostedStrategy(provider Provider, remote Remote, browser Browser, redirectTo string, opts ...HostedOption) *HostedStrategy {
	s := &HostedStrategy{
		provider:   provider,
		remote:     remote,
		browser:    browser,
		redirectTo: redirectTo,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HostedStrategy) Prepare(context.Context) error {
	if s.browser == nil {
		return fmt.Errorf("%w: no browser configured", ErrProviderUnavailable)
	}
	if s.redirectTo == "" {
		return fmt.Errorf("%w: redirect url is empty", ErrProviderUnavailable)
	}
	return nil
}

func (s *HostedStrategy) SignIn(ctx context.Context) (Result, error) {
	authURL, err := s.remote.SignInWithOAuth(ctx, OAuthParams{
		Provider:            s.provider,
		RedirectTo:          s.redirectTo,
		Scopes:              s.scopes,
		SkipBrowserRedirect: true,
	})
	if err != nil {
		return Result{}, err
	}

	res, err := s.browser.OpenAuthSession(ctx, authURL, s.redirectTo)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if res.Type == BrowserCancel {
		return Result{Kind: KindCancelled}, nil
	}
	if res.Type == BrowserSuccess && res.URL != "" && s.onRedirect != nil {
		s.onRedirect(context.WithoutCancel(ctx), res.URL)
	}
	return Result{Kind: KindPendingCallback}, nil
}
