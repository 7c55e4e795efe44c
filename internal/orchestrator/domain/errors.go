package domain

import "errors"

var (
	// ErrInvalidBundleSpec is returned when a submitted bundle is malformed
	ErrInvalidBundleSpec = errors.New("invalid bundle spec")

	// ErrUnknownBundle is returned when a bundle id is not known to the scheduler
	ErrUnknownBundle = errors.New("unknown bundle")

	// ErrDeadlineExceeded is the cause recorded on attempts cut off by the bundle deadline
	ErrDeadlineExceeded = errors.New("bundle deadline exceeded")

	// ErrCancelled is the cause recorded on attempts cut off by an explicit cancel
	ErrCancelled = errors.New("attempt cancelled")

	// ErrRequiredServiceFailed is the cause recorded on attempts cut off because a required service failed
	ErrRequiredServiceFailed = errors.New("required service failed")

	// ErrRetriesExhausted is returned when a retryable failure has no retries left
	ErrRetriesExhausted = errors.New("max retries exceeded")
)

// RetryableError wraps transient executor failures that consume a retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable attempt failure: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// TerminalError wraps executor failures that fail the attempt immediately
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal attempt failure: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError creates a new terminal error
func NewTerminalError(err error) error {
	return &TerminalError{Err: err}
}
