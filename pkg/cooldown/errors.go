package cooldown

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrCoolingDown matches every *Error.
	ErrCoolingDown = errors.New("cooldown: too many attempts")
	ErrEmptyFlow   = errors.New("cooldown: empty flow name")
)

// Error rejects an attempt made before the flow's cooldown elapsed.
type Error struct {
	Flow      string
	Remaining time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("please wait %d seconds before trying again", e.Seconds())
}

func (e *Error) Is(target error) bool {
	return target == ErrCoolingDown
}

// Seconds is the remaining wait rounded up to whole seconds.
func (e *Error) Seconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

// AsError extracts *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
