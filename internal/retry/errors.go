package retry

import (
	"errors"
	"fmt"
	"time"
)

// Retryable marks err as retryable. Stage implementations wrap transient
// failures (network, timeout, IO) with RetryableErr so the retry loop knows
// the attempt budget applies.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// RetryableErr wraps err as retryable.
func RetryableErr(err error) error { return &Retryable{Err: err} }

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool { return errors.As(err, new(*Retryable)) }

// Permanent marks err as non-retryable. Auth, validation and logic failures
// wrapped with PermanentErr fail on the first attempt, consuming no retry
// budget.
type Permanent struct{ Err error }

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// PermanentErr wraps err as non-retryable.
func PermanentErr(err error) error { return &Permanent{Err: err} }

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool { return errors.As(err, new(*Permanent)) }

// CircuitOpenError is returned for calls short-circuited by an open circuit.
// The underlying operation was not invoked. It counts as a retryable failure
// for the caller's attempt budget.
type CircuitOpenError struct {
	Operation string
	Until     time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q until %s", e.Operation, e.Until.Format(time.RFC3339))
}

// IsCircuitOpen reports whether err is a short-circuited call.
func IsCircuitOpen(err error) bool { return errors.As(err, new(*CircuitOpenError)) }

// ExhaustedError wraps the last failure after the attempt budget ran out.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempt(s) exhausted: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
