package sanitizer

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	dotRegex    = regexp.MustCompile(`\.+`)
	spaceRegex  = regexp.MustCompile(`\s+`)
	jwtRegex    = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	secretRegex = regexp.MustCompile(`(?i)\b((?:access|refresh|id)_token|token_hash|code_verifier|code|apikey)=([^&\s"]+)`)
	emailRegex  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// NormalizeEmail trims and lowercases an address and collapses repeated dots
// in the local part. Values without exactly one "@" are returned trimmed and
// lowercased only.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))

	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return email
	}

	local = dotRegex.ReplaceAllString(local, ".")
	local = strings.Trim(local, ".")
	return local + "@" + domain
}

// MaskEmail keeps the domain and the first character of the local part.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" {
		return email
	}
	return local[:1] + strings.Repeat("*", max(len(local)-1, 1)) + "@" + domain
}

// LimitLength truncates s to at most n runes.
func LimitLength(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// RemoveControlChars replaces control characters with spaces.
func RemoveControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// RedactSecrets replaces JWTs, bearer credentials, credential query parameters
// and email addresses with placeholders.
func RedactSecrets(s string) string {
	s = jwtRegex.ReplaceAllString(s, "[jwt]")
	s = bearerRegex.ReplaceAllString(s, "Bearer [redacted]")
	s = secretRegex.ReplaceAllString(s, "$1=[redacted]")
	s = emailRegex.ReplaceAllStringFunc(s, MaskEmail)
	return s
}

// ProviderMessage prepares text received from a remote provider for logs and
// error values: secrets and control characters are removed, whitespace is
// collapsed and the result is capped at 200 runes.
func ProviderMessage(s string) string {
	s = RemoveControlChars(s)
	s = RedactSecrets(s)
	s = spaceRegex.ReplaceAllString(strings.TrimSpace(s), " ")
	return LimitLength(s, 200)
}
