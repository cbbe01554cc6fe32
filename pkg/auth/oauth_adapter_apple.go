package auth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const appleIssuer = "https://appleid.apple.com"

// AppleEndpoint is Sign in with Apple's OAuth 2.0 endpoint.
var AppleEndpoint = oauth2.Endpoint{
	AuthURL:   appleIssuer + "/auth/authorize",
	TokenURL:  appleIssuer + "/auth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// AppleOAuthConfig configures Sign in with Apple. The client secret is an
// ES256 JWT signed with the team's private key, regenerated before it expires.
type AppleOAuthConfig struct {
	ClientID     string        `env:"APPLE_OAUTH_CLIENT_ID"`
	TeamID       string        `env:"APPLE_OAUTH_TEAM_ID"`
	KeyID        string        `env:"APPLE_OAUTH_KEY_ID"`
	PrivateKey   string        `env:"APPLE_OAUTH_PRIVATE_KEY"`
	RedirectURL  string        `env:"APPLE_OAUTH_REDIRECT_URL"`
	Scopes       []string      `env:"APPLE_OAUTH_SCOPES" envSeparator:","`
	ResponseMode string        `env:"APPLE_OAUTH_RESPONSE_MODE" envDefault:"query"`
	SecretTTL    time.Duration `env:"APPLE_OAUTH_SECRET_TTL" envDefault:"24h"`
	Native       bool          `env:"APPLE_OAUTH_NATIVE" envDefault:"false"`
}

type appleAdapter struct {
	cfg  AppleOAuthConfig
	now  func() time.Time
	conf *oauth2.Config

	mu        sync.Mutex
	key       *ecdsa.PrivateKey
	secretExp time.Time
}

type AppleAdapterOption func(*appleAdapter)

// WithAppleEndpoint overrides Apple's endpoints.
func WithAppleEndpoint(ep oauth2.Endpoint) AppleAdapterOption {
	return func(a *appleAdapter) {
		a.conf.Endpoint = ep
	}
}

func WithAppleClock(now func() time.Time) AppleAdapterOption {
	return func(a *appleAdapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAppleAdapter creates a Sign in with Apple provider adapter.
func NewAppleAdapter(cfg AppleOAuthConfig, opts ...AppleAdapterOption) ProviderAdapter {
	if cfg.SecretTTL <= 0 {
		cfg.SecretTTL = 24 * time.Hour
	}
	if cfg.ResponseMode == "" {
		cfg.ResponseMode = "query"
	}
	a := &appleAdapter{
		cfg: cfg,
		now: time.Now,
		conf: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Endpoint:    AppleEndpoint,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *appleAdapter) Provider() Provider { return ProviderApple }

func (a *appleAdapter) RedirectURL() string { return a.cfg.RedirectURL }

func (a *appleAdapter) Prepare(context.Context) error {
	if a.cfg.ClientID == "" || a.cfg.TeamID == "" || a.cfg.KeyID == "" || a.cfg.RedirectURL == "" {
		return fmt.Errorf("%w: apple client id, team id, key id and redirect url are required", ErrProviderUnavailable)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(a.cfg.PrivateKey))
	if err != nil {
		return fmt.Errorf("%w: apple private key: %w", ErrProviderUnavailable, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.key = key
	return a.refreshSecret()
}

func (a *appleAdapter) AuthCodeURL(state, hashedNonce string, opts ...oauth2.AuthCodeOption) string {
	opts = append(opts,
		oauth2.SetAuthURLParam("nonce", hashedNonce),
		oauth2.SetAuthURLParam("response_mode", a.cfg.ResponseMode),
	)
	return a.conf.AuthCodeURL(state, opts...)
}

func (a *appleAdapter) Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (ProviderTokens, error) {
	conf, err := a.config()
	if err != nil {
		return ProviderTokens{}, err
	}
	tok, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		return ProviderTokens{}, err
	}
	idToken, _ := tok.Extra("id_token").(string)
	return ProviderTokens{IDToken: idToken, AccessToken: tok.AccessToken}, nil
}

// config returns a copy of the oauth2 config with a valid client secret.
func (a *appleAdapter) config() (*oauth2.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.key == nil {
		return nil, fmt.Errorf("%w: apple adapter not prepared", ErrProviderUnavailable)
	}
	if a.now().Add(time.Minute).After(a.secretExp) {
		if err := a.refreshSecret(); err != nil {
			return nil, err
		}
	}
	conf := *a.conf
	return &conf, nil
}

// Must be called with a.mu held.
func (a *appleAdapter) refreshSecret() error {
	now := a.now()
	exp := now.Add(a.cfg.SecretTTL)
	secret, err := appleClientSecret(a.key, a.cfg, now, exp)
	if err != nil {
		return err
	}
	a.conf.ClientSecret = secret
	a.secretExp = exp
	return nil
}

func appleClientSecret(key *ecdsa.PrivateKey, cfg AppleOAuthConfig, iat, exp time.Time) (string, error) {
	// Apple expects "aud" as a plain string, not a one-element array.
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": cfg.TeamID,
		"sub": cfg.ClientID,
		"aud": appleIssuer,
		"iat": iat.Unix(),
		"exp": exp.Unix(),
	})
	token.Header["kid"] = cfg.KeyID

	secret, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign apple client secret: %w", err)
	}
	return secret, nil
}

var _ ProviderAdapter = (*appleAdapter)(nil)
