package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned by Get and Delete when the object does not exist
// at the backend. It is always permanent.
var ErrNotFound = errors.New("storage: object not found")

// ClassifiedError tags a backend failure as retryable or not. The pipeline
// retries transient failures with backoff and records permanent ones
// directly in the run detail.
type ClassifiedError struct {
	Transient bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks an error as retryable (network, 5xx, throttling).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Transient: true, Err: err}
}

// Permanent marks an error as non-retryable (auth, not-found, quota).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Transient: false, Err: err}
}

// IsTransient reports whether the error should be retried. Unclassified
// network errors count as transient; everything else defaults to permanent
// so an unknown failure never loops.
func IsTransient(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Transient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
