// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds shared by every stage. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrTransient marks timeouts, connection resets, 429 and 5xx responses.
	// Callers retry with backoff.
	ErrTransient = errors.New("transient network error")

	// ErrPermanent marks not-found, forbidden, and other non-retryable
	// responses.
	ErrPermanent = errors.New("permanent resource error")

	// ErrTooLarge marks an artifact whose size exceeds the configured cap.
	ErrTooLarge = errors.New("artifact too large")

	// ErrMapping marks a raw source record that cannot be normalized.
	ErrMapping = errors.New("mapping error")

	// ErrStorage marks a failure of the durable backend.
	ErrStorage = errors.New("storage error")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("not found")
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int

	// RetryAfter is the server-requested wait from a Retry-After header.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Unwrap classifies the status as transient or permanent.
func (e *StatusError) Unwrap() error {
	if IsTransientStatus(e.StatusCode) {
		return ErrTransient
	}
	return ErrPermanent
}

// IsTransientStatus reports whether an HTTP status code is worth retrying.
func IsTransientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// TimeoutError wraps a network timeout. It matches both ErrTransient and
// the underlying cause.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// MappingError wraps a normalization failure with ErrMapping.
func MappingError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMapping, fmt.Sprintf(format, args...))
}

// StorageError wraps a backend failure with ErrStorage. It returns nil
// when err is nil.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
