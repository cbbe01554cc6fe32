package atomicop

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOperationInProgress matches every *ConflictError.
	ErrOperationInProgress = errors.New("atomicop: operation already in progress")
	ErrEmptyKey            = errors.New("atomicop: empty operation key")
)

// ConflictError is returned when a key is already held by another caller.
// It is not actionable by a user; callers usually drop it silently.
type ConflictError struct {
	Key      string
	Category string
	HeldFor  time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("atomicop: operation %q (%s) already in progress for %s", e.Key, e.Category, e.HeldFor.Round(time.Millisecond))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrOperationInProgress
}

// IsConflict reports whether err is (or wraps) a lock conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOperationInProgress)
}
