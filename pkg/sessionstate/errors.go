package sessionstate

import "errors"

var (
	ErrNotFound = errors.New("sessionstate: key not found")
	ErrEmptyKey = errors.New("sessionstate: empty key")
)
