package database

import "errors"

var (
	// ErrJobNotFound is returned when no job matches the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleTransition is returned when the stored state no longer matches the expected source state.
	ErrStaleTransition = errors.New("job state changed concurrently")
	// ErrPolicyNotFound is returned when no schedule policy matches the id.
	ErrPolicyNotFound = errors.New("schedule policy not found")
	// ErrExecutionInProgress is returned when a policy already has an open execution log.
	ErrExecutionInProgress = errors.New("schedule execution already in progress")
	// ErrExecutionClosed is returned when closing a log that is not open.
	ErrExecutionClosed = errors.New("schedule execution log is not open")
)
