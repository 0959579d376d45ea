package image

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a vendor failure so callers can decide retry behavior
// without ever seeing vendor-specific error shapes.
type ErrorKind string

const (
	KindRateLimited      ErrorKind = "rate_limited"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindTransientNetwork ErrorKind = "transient_network"
	KindAuthFailure      ErrorKind = "auth_failure"
)

// ProviderError is the classified form of any adapter failure. Message is safe
// to show users; Err keeps the vendor detail for logs.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransientNetwork
}

// IsRetryable reports whether err may succeed when tried again. Unknown error
// shapes, including configuration errors, are treated as permanent.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// classifyStatus maps an HTTP response code to an error kind. The vendor
// string prefixes the message so mixed-provider logs stay readable.
func classifyStatus(vendor string, status int, detail string) *ProviderError {
	msg := fmt.Sprintf("%s: status %d", vendor, status)
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", vendor, detail)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &ProviderError{Kind: KindRateLimited, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ProviderError{Kind: KindAuthFailure, Message: msg}
	case status == http.StatusRequestTimeout || status >= 500:
		return &ProviderError{Kind: KindTransientNetwork, Message: msg}
	default:
		return &ProviderError{Kind: KindInvalidRequest, Message: msg}
	}
}

// classifyTransport wraps a transport-level failure (dial, TLS, timeout) as a
// retryable network error.
func classifyTransport(vendor string, err error) *ProviderError {
	return &ProviderError{
		Kind:    KindTransientNetwork,
		Message: vendor + ": request failed",
		Err:     err,
	}
}
