package i18n

import "errors"

var (
	ErrNilAdapter           = errors.New("i18n: adapter is nil")
	ErrYAMLParsingCancelled = errors.New("yaml parsing cancelled")
	ErrFailedToParseYAML    = errors.New("failed to parse YAML content")
	ErrFailedToReadFile     = errors.New("failed to read translation file")
	ErrFailedToReadDir      = errors.New("failed to read translation directory")
	ErrInvalidCatalog       = errors.New("invalid translation catalog")
)
