package auth

import (
	"context"
	"time"
)

// Provider identifies how a user signed in.
type Provider string

const (
	ProviderEmail  Provider = "email"
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
)

// OTPType is the verification type carried by an email link.
type OTPType string

const (
	OTPMagicLink   OTPType = "magiclink"
	OTPSignup      OTPType = "signup"
	OTPInvite      OTPType = "invite"
	OTPRecovery    OTPType = "recovery"
	OTPEmailChange OTPType = "email_change"
	OTPEmail       OTPType = "email"
)

var otpTypes = []string{
	string(OTPMagicLink), string(OTPSignup), string(OTPInvite),
	string(OTPRecovery), string(OTPEmailChange), string(OTPEmail),
}

// User is the minimal identity the auth layer depends on.
type User struct {
	ID       string
	Email    string
	Provider Provider
}

// Session is the token bundle issued by the remote service. It is passed
// through, never inspected beyond expiry.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

// Event is an auth state change emitted by the remote service.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// AuthChangeFunc receives remote auth state changes. session is nil for EventSignedOut.
type AuthChangeFunc func(ctx context.Context, event Event, session *Session)

// MagicLinkParams is sent to the remote service to email a sign-in link.
type MagicLinkParams struct {
	Email      string
	RedirectTo string
	CreateUser bool
}

// IDTokenParams exchanges a provider ID token for a session.
type IDTokenParams struct {
	Provider    Provider
	Token       string
	AccessToken string
	Nonce       string
}

// OAuthParams requests a hosted provider authorization URL.
type OAuthParams struct {
	Provider            Provider
	RedirectTo          string
	Scopes              []string
	SkipBrowserRedirect bool
}

// Remote is the backend authentication service.
type Remote interface {
	CurrentSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers fn and returns a function that removes it.
	OnAuthStateChange(fn AuthChangeFunc) (unsubscribe func())
	SignOut(ctx context.Context) error
	SignInWithMagicLink(ctx context.Context, params MagicLinkParams) error
	VerifyOTP(ctx context.Context, tokenHash string, otpType OTPType) (*Session, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error)
	SignInWithIDToken(ctx context.Context, params IDTokenParams) (*Session, error)
	// SignInWithOAuth returns the provider authorization URL to open.
	SignInWithOAuth(ctx context.Context, params OAuthParams) (string, error)
}

// PushTokenRegistry deregisters the device push token on sign-out.
type PushTokenRegistry interface {
	CurrentDevicePushToken(ctx context.Context) (string, error)
	RemoveToken(ctx context.Context, token string) error
}

// QueryCache is the application's data cache, cancelled and cleared on logout.
type QueryCache interface {
	CancelQueries(ctx context.Context)
	Clear(ctx context.Context)
}

type noopQueryCache struct{}

func (noopQueryCache) CancelQueries(context.Context) {}
func (noopQueryCache) Clear(context.Context)         {}
