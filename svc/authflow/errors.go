package authflow

import "errors"

var (
	ErrNilRemote             = errors.New("authflow: remote is required")
	ErrProviderNotConfigured = errors.New("authflow: oauth provider not configured")
)
