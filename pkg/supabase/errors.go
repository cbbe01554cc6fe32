package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/sanitizer"
)

var (
	ErrMissingURL     = errors.New("supabase: url is required")
	ErrMissingAnonKey = errors.New("supabase: anon key is required")
	ErrInvalidSession = errors.New("supabase: response carried no session")
)

const genericErrorMessage = "authentication provider returned an error"

// APIError is a non-2xx response from GoTrue. Message never contains the
// raw response body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: %d: %s", e.Status, e.Message)
}

// Unwrap maps authorization failures to auth.ErrSessionMissing.
func (e *APIError) Unwrap() error {
	if e.sessionInvalid() {
		return auth.ErrSessionMissing
	}
	return nil
}

// sessionInvalid reports whether the stored session can no longer be used.
func (e *APIError) sessionInvalid() bool {
	switch e.Code {
	case "session_not_found", "refresh_token_not_found", "refresh_token_already_used", "bad_jwt":
		return true
	}
	return e.Status == http.StatusUnauthorized
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error     string `json:"error"`
		ErrorCode string `json:"error_code"`
	}
	_ = json.Unmarshal(body, &payload)

	code := payload.ErrorCode
	if code == "" {
		code = payload.Error
	}
	return &APIError{
		Status:  status,
		Code:    sanitizer.LimitLength(code, 64),
		Message: summarizeErrorBody(body),
	}
}

// summarizeErrorBody picks a human-readable field from a GoTrue error body.
// Unknown shapes collapse to a fixed message so token payloads are never
// echoed back.
func summarizeErrorBody(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return genericErrorMessage
	}
	for _, field := range []string{"error_description", "msg", "message", "error"} {
		if s, ok := payload[field].(string); ok && s != "" {
			return sanitizer.ProviderMessage(s)
		}
	}
	return genericErrorMessage
}
