package retry

import (
	"errors"
	"fmt"
)

// ErrExhaustedRetries matches any *ExhaustedError via errors.Is.
var ErrExhaustedRetries = errors.New("retries exhausted")

// PermanentError wraps a failure that retrying cannot fix, such as a 400 or
// 401 from the provider.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedError is returned once every allowed attempt failed with a
// transient error. Last is the final attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhaustedRetries, e.Last}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of the classifier's status list.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
