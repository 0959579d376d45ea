package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigurationError reports a structurally invalid provider configuration,
// found before any vendor call is made. It is never retryable: the user has
// to fix settings first.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "provider configuration: " + e.Reason
}
