package auth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// DefaultCallbackPaths are the deep link paths that may carry credentials.
var DefaultCallbackPaths = []string{"/auth/callback", "/auth/confirm", "/confirm", "/callback"}

// CallbackKind is the credential shape found in a callback URL.
type CallbackKind int

const (
	CallbackOAuth CallbackKind = iota + 1
	CallbackOTP
	CallbackRejected
)

// Callback is a parsed deep link.
type Callback struct {
	Kind         CallbackKind
	AccessToken  string
	RefreshToken string
	TokenHash    string
	Type         OTPType
	ErrorCode    string
	ErrorText    string
}

// ParseCallback extracts credentials from rawURL. Each field is looked up in
// the fragment first, then the query. A token pair wins over an OTP token.
func ParseCallback(rawURL string, paths []string) (Callback, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Callback{}, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	if len(paths) == 0 {
		paths = DefaultCallbackPaths
	}
	if !matchesCallbackPath(u, paths) {
		return Callback{}, ErrCallbackPath
	}

	frag, _ := url.ParseQuery(strings.TrimPrefix(u.EscapedFragment(), "?"))
	query := u.Query()
	get := func(key string) string {
		if v := frag.Get(key); v != "" {
			return v
		}
		return query.Get(key)
	}

	if code := get("error"); code != "" {
		return Callback{
			Kind:      CallbackRejected,
			ErrorCode: firstNonEmpty(get("error_code"), code),
			ErrorText: get("error_description"),
		}, nil
	}

	if access, refresh := get("access_token"), get("refresh_token"); access != "" && refresh != "" {
		return Callback{Kind: CallbackOAuth, AccessToken: access, RefreshToken: refresh}, nil
	}

	hash := firstNonEmpty(get("token_hash"), get("token"))
	if hash != "" {
		otpType := OTPType(get("type"))
		if otpType == "" {
			otpType = OTPMagicLink
		}
		return Callback{Kind: CallbackOTP, TokenHash: hash, Type: otpType}, nil
	}

	return Callback{}, ErrInvalidCallback
}

// matchesCallbackPath accepts both "https://host/auth/callback" and custom
// schemes where the first segment parses as host ("app://auth/callback").
func matchesCallbackPath(u *url.URL, paths []string) bool {
	candidates := []string{u.Path}
	if u.Host != "" {
		candidates = append(candidates, "/"+u.Host+u.Path)
	}
	if u.Opaque != "" {
		candidates = append(candidates, "/"+strings.TrimPrefix(u.Opaque, "/"))
	}
	for _, c := range candidates {
		c = strings.TrimSuffix(c, "/")
		if c != "" && slices.Contains(paths, c) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
