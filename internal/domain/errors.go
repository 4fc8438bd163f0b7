package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidOrder   = errors.New("invalid order parameters")
	ErrSigningFailed  = errors.New("signing failed")
	ErrLockHeld       = errors.New("lock already held")
	ErrAlreadyRunning = errors.New("trading already running")
	ErrNotRunning     = errors.New("trading not running")
	ErrNoPosition     = errors.New("no open position")
	ErrStaleState     = errors.New("tracker generation changed")
	ErrUnknownModel   = errors.New("unknown model")
	ErrInvalidSetting = errors.New("invalid setting")
	ErrJobCancelled   = errors.New("originating job was cancelled")
)

// TransientNetworkError is a retryable failure talking to an external service.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitedError is returned when a remote service throttles us.
// RetryAfter is zero when the service gave no hint.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// InvalidResponseError means a response could not be interpreted.
type InvalidResponseError struct {
	Source string
	Reason string
	Raw    string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("%s: invalid response: %s", e.Source, e.Reason)
}

// AlreadyOpenError is returned when an entry is recorded over an open position.
type AlreadyOpenError struct {
	Side       Side
	Generation uint64
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("position already open: %s (generation %d)", e.Side, e.Generation)
}

// StaleJobError marks a job fired after the position it was scheduled for
// has been superseded.
type StaleJobError struct {
	JobID             string
	Type              JobType
	JobGeneration     uint64
	CurrentGeneration uint64
}

func (e *StaleJobError) Error() string {
	return fmt.Sprintf("stale %s job %s: generation %d, current %d",
		e.Type, e.JobID, e.JobGeneration, e.CurrentGeneration)
}

func (e *StaleJobError) Unwrap() error { return ErrStaleState }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var tn *TransientNetworkError
	var rl *RateLimitedError
	return errors.As(err, &tn) || errors.As(err, &rl)
}
