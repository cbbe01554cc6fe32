package auth

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dmitrymomot/authflow/pkg/atomicop"
	"github.com/dmitrymomot/authflow/pkg/cooldown"
	"github.com/dmitrymomot/authflow/pkg/sanitizer"
	"github.com/dmitrymomot/authflow/pkg/validator"
)

// Remote implementations return these (wrapped) so failures can be classified.
var (
	ErrSessionMissing      = errors.New("auth: no active session")
	ErrProviderUnavailable = errors.New("auth: provider sdk unavailable")
)

var (
	ErrNotInitialized  = errors.New("auth: oauth provider not initialized")
	ErrSendQueueFull   = errors.New("auth: magic link queue is full")
	ErrInvalidCallback = errors.New("auth: callback has no recognizable credentials")
	ErrCallbackPath    = errors.New("auth: unsupported callback path")
	ErrStateMismatch   = errors.New("auth: oauth state mismatch")
	ErrMissingCode     = errors.New("auth: authorization code missing from redirect")
	ErrMissingIDToken  = errors.New("auth: provider returned no id token")
	ErrNoUser          = errors.New("auth: remote returned a session without a user")
)

// RateLimitError rejects an attempt made during a flow's cooldown.
type RateLimitError = cooldown.Error

// ConflictError rejects a duplicate in-flight operation.
type ConflictError = atomicop.ConflictError

// ErrorCategory groups failures for user-facing messages.
type ErrorCategory string

const (
	CategoryNetwork     ErrorCategory = "network"
	CategorySDK         ErrorCategory = "sdk"
	CategoryNeedsSignIn ErrorCategory = "needs_sign_in"
	CategoryRateLimited ErrorCategory = "rate_limited"
	CategoryValidation  ErrorCategory = "validation"
	CategoryConflict    ErrorCategory = "conflict"
	CategoryGeneric     ErrorCategory = "generic"
)

// ProviderError wraps a failed call to the remote service or identity provider.
type ProviderError struct {
	Op       string
	Category ErrorCategory
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("auth: %s failed (%s): %s", e.Op, e.Category, sanitizer.ProviderMessage(e.Err.Error()))
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// providerError wraps err unless it is nil or already a *ProviderError.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Category: classifyCause(err), Err: err}
}

// CallbackError is a deep link that carried an error from the provider.
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description == "" {
		return "auth: callback rejected: " + e.Code
	}
	return fmt.Sprintf("auth: callback rejected: %s: %s", e.Code, sanitizer.ProviderMessage(e.Description))
}

func IsConflict(err error) bool {
	return atomicop.IsConflict(err)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, cooldown.ErrCoolingDown)
}

// Classify maps err onto the category shown to users.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case IsConflict(err):
		return CategoryConflict
	case IsRateLimited(err):
		return CategoryRateLimited
	case validator.IsValidationError(err):
		return CategoryValidation
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return classifyCause(err)
}

func classifyCause(err error) ErrorCategory {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrSessionMissing):
		return CategoryNeedsSignIn
	case errors.Is(err, ErrProviderUnavailable):
		return CategorySDK
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return CategoryNetwork
	}
	return CategoryGeneric
}
