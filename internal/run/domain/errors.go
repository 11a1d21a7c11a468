package domain

import "errors"

var (
	// ErrRunClosed rejects a death event for a run that already ended.
	ErrRunClosed = errors.New("run already closed")
	// ErrResetInProgress rejects a second reset while one is pending or running.
	ErrResetInProgress = errors.New("reset already in progress")
	// ErrRequestInProgress rejects a second confirmation request for the same run.
	ErrRequestInProgress = errors.New("confirmation request already in progress")
	// ErrNoPendingRequest rejects a confirmation response with nothing to resolve.
	ErrNoPendingRequest = errors.New("no pending confirmation request")
	// ErrAlreadyRunning rejects starting a server process that is not stopped.
	ErrAlreadyRunning = errors.New("server process already running")
	// ErrStartupTimeout indicates readiness was not observed in time.
	ErrStartupTimeout = errors.New("server startup timed out")
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks a remote error as non-retryable: the dispatcher and the
// narrator log it and move on instead of burning their retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
