package providers

import (
	"errors"
	"fmt"
)

// ErrNotFound means the resource no longer exists. Callers treat it as compliant-by-absence.
var ErrNotFound = errors.New("resource not found")

// TransientError wraps a failure worth retrying: timeouts, throttling, 5xx
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps a failure that retrying cannot fix: authorization, validation
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Permanent marks err as not retryable
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// NotFound wraps ErrNotFound with the resource that vanished
func NotFound(op, resourceID string) error {
	return fmt.Errorf("%s %s: %w", op, resourceID, ErrNotFound)
}

// IsNotFound reports whether err means the resource is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is classified as retryable
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is classified as not retryable.
// Unclassified errors count as permanent.
func IsPermanent(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	return !IsTransient(err)
}
