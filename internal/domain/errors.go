package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classify failures across the fabric. Adapters wrap these
// with op context; transports and the scheduler branch on them with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrBackpressure    = errors.New("queue backpressure")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrNotImplemented  = errors.New("not implemented")
	ErrLockHeld        = errors.New("lock held")
	ErrInternal        = errors.New("internal error")
)

// RateLimitError carries the advisory retry-after a limiter computed. It
// unwraps to ErrRateLimited so callers can branch without knowing the source.
type RateLimitError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Reason, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// NewRateLimitError builds a RateLimitError with the given advisory delay.
func NewRateLimitError(retryAfter time.Duration, reason string) *RateLimitError {
	return &RateLimitError{RetryAfter: retryAfter, Reason: reason}
}

// NoRetryError marks a failure as terminal for the retry machinery, no matter
// what its message looks like.
type NoRetryError struct{ Err error }

func (e *NoRetryError) Error() string { return e.Err.Error() }

func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps err so IsNoRetry reports true for it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &NoRetryError{Err: err}
}

// IsNoRetry reports whether err was marked terminal with NoRetry.
func IsNoRetry(err error) bool {
	var nr *NoRetryError
	return errors.As(err, &nr)
}

// IsTerminal reports whether a handler failure must not be re-enqueued:
// validation and schema errors, missing resources, unimplemented stubs and
// anything marked NoRetry. Every other handler error retries per the job's
// backoff policy.
func IsTerminal(err error) bool {
	if IsNoRetry(err) {
		return true
	}
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrSchemaInvalid) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotImplemented)
}

// RollbackError pairs the failure that aborted a transaction with the error
// from the rollback itself, keeping both visible in logs.
type RollbackError struct {
	Cause    error
	Rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v (rollback: %v)", e.Cause, e.Rollback)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// JoinRollback returns cause unchanged when the rollback succeeded, and a
// RollbackError otherwise.
func JoinRollback(cause, rollback error) error {
	if rollback == nil {
		return cause
	}
	return &RollbackError{Cause: cause, Rollback: rollback}
}
