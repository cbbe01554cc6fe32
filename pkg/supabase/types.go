package supabase

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrymomot/authflow/pkg/auth"
)

type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	User         *userResponse `json:"user"`
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
}

func (u *userResponse) toUser() *auth.User {
	if u == nil || u.ID == "" {
		return nil
	}
	provider := auth.Provider(u.AppMetadata.Provider)
	if provider == "" {
		provider = auth.ProviderEmail
	}
	return &auth.User{ID: u.ID, Email: u.Email, Provider: provider}
}

// tokenExpiry reads "exp" from an access token without verifying it. The
// server verifies the token on use; the client only needs to know whether to
// refresh first. A token without "exp" yields the zero time.
func tokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed access token", auth.ErrInvalidCallback)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
