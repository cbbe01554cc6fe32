package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// pkceParams carries the per-attempt secrets of a native sign-in.
type pkceParams struct {
	Verifier    string
	State       string
	Nonce       string
	HashedNonce string
}

func newPKCEParams() pkceParams {
	nonce := randomToken(32)
	sum := sha256.Sum256([]byte(nonce))
	return pkceParams{
		Verifier:    oauth2.GenerateVerifier(),
		State:       randomToken(32),
		Nonce:       nonce,
		HashedNonce: hex.EncodeToString(sum[:]),
	}
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// redirectParams merges fragment and query values of a redirect, fragment first.
func redirectParams(raw string) (url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	merged := u.Query()
	if frag := u.EscapedFragment(); frag != "" {
		fv, err := url.ParseQuery(strings.TrimPrefix(frag, "?"))
		if err == nil {
			for k, vs := range fv {
				merged[k] = vs
			}
		}
	}
	return merged, nil
}
