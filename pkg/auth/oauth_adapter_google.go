package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleOAuthConfig configures the native Google flow. Mobile clients are
// public, so ClientSecret is usually empty and PKCE protects the code.
type GoogleOAuthConfig struct {
	ClientID     string   `env:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"GOOGLE_OAUTH_CLIENT_SECRET"`
	RedirectURL  string   `env:"GOOGLE_OAUTH_REDIRECT_URL"`
	Scopes       []string `env:"GOOGLE_OAUTH_SCOPES" envSeparator:"," envDefault:"openid,email,profile"`
	Native       bool     `env:"GOOGLE_OAUTH_NATIVE" envDefault:"true"`
}

type googleAdapter struct {
	conf *oauth2.Config
}

type GoogleAdapterOption func(*googleAdapter)

// WithGoogleEndpoint overrides Google's endpoints.
func WithGoogleEndpoint(ep oauth2.Endpoint) GoogleAdapterOption {
	return func(a *googleAdapter) {
		a.conf.Endpoint = ep
	}
}

// NewGoogleAdapter creates a Google provider adapter.
func NewGoogleAdapter(cfg GoogleOAuthConfig, opts ...GoogleAdapterOption) ProviderAdapter {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	a := &googleAdapter{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *googleAdapter) Provider() Provider { return ProviderGoogle }

func (a *googleAdapter) RedirectURL() string { return a.conf.RedirectURL }

func (a *googleAdapter) Prepare(context.Context) error {
	if a.conf.ClientID == "" || a.conf.RedirectURL == "" {
		return fmt.Errorf("%w: google client id and redirect url are required", ErrProviderUnavailable)
	}
	return nil
}

func (a *googleAdapter) AuthCodeURL(state, hashedNonce string, opts ...oauth2.AuthCodeOption) string {
	opts = append(opts, oauth2.SetAuthURLParam("nonce", hashedNonce))
	return a.conf.AuthCodeURL(state, opts...)
}

func (a *googleAdapter) Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (ProviderTokens, error) {
	tok, err := a.conf.Exchange(ctx, code, opts...)
	if err != nil {
		return ProviderTokens{}, err
	}
	idToken, _ := tok.Extra("id_token").(string)
	return ProviderTokens{IDToken: idToken, AccessToken: tok.AccessToken}, nil
}

var _ ProviderAdapter = (*googleAdapter)(nil)
