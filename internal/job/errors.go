package job

import "errors"

var (
	// ErrInvalidTarget is returned when a submission names a malformed target.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrShuttingDown is returned for submissions after Shutdown started.
	ErrShuttingDown = errors.New("job service is shutting down")
)
