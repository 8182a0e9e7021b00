package llm

import (
	"errors"
	"fmt"
)

// ErrNoBackend is returned when no backend connection is configured at all.
// Callers are expected to fail fast on it without attempting any I/O.
var ErrNoBackend = errors.New("no backend connection configured")

// AuthenticationError indicates the backend rejected the configured
// credentials.
type AuthenticationError struct {
	Provider string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitError indicates the backend is throttling requests.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// classifyStatus converts an HTTP status code into a typed error. Statuses
// that do not map to a known class come back as the fallback error unchanged.
func classifyStatus(provider string, status int, err error) error {
	switch status {
	case 401, 403:
		return &AuthenticationError{Provider: provider, Err: err}
	case 429:
		return &RateLimitError{Provider: provider, Err: err}
	default:
		return err
	}
}
