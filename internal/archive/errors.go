package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned when a candidate URL cannot be normalized.
	ErrInvalidURL = errors.New("invalid url")
	// ErrRegistryConflict signals a lost insert race on the registry; claims retry internally.
	ErrRegistryConflict = errors.New("registry conflict")
	// ErrNotFound is returned when a page or association does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when the state machine rejects a status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPersistence wraps store failures.
	ErrPersistence = errors.New("persistence failure")
	// ErrValidation rejects malformed requests before any work happens.
	ErrValidation = errors.New("validation failed")
	// ErrFilter reports a filter rule that errored; it is treated as no match.
	ErrFilter = errors.New("filter error")
	// ErrSessionCanceled is returned for candidates of a canceled session or project.
	ErrSessionCanceled = errors.New("session canceled")
	// ErrMaxRetries is returned by retry once a page has used its retry allowance.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// FetchError describes a failed fetch attempt.
type FetchError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable fetch failure.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
