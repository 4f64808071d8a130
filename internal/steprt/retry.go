package steprt

import (
	"errors"
	"time"
)

// nonRetriableError marks a failure the runtime must not retry: the
// precondition will not heal with time (entity gone upstream, malformed
// payload).
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string {
	return e.err.Error()
}

func (e *nonRetriableError) Unwrap() error {
	return e.err
}

// NonRetriable wraps err so the runtime fails the run immediately instead of
// retrying. A nil err returns nil.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

// IsNonRetriable reports whether err was marked with NonRetriable anywhere
// in its chain.
func IsNonRetriable(err error) bool {
	var nr *nonRetriableError
	return errors.As(err, &nr)
}

const (
	baseBackoff = time.Second
	maxBackoff  = time.Minute
)

// backoffDelay returns the wait before retry attempt n (1-based), doubling
// from baseBackoff and capped at maxBackoff.
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
