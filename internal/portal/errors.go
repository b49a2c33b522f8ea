package portal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the portal has no record for the identifier.
	ErrNotFound = errors.New("portal: not found")
	// ErrUnauthorized is returned for 401/403; the session is not in a usable state.
	ErrUnauthorized = errors.New("portal: authorization rejected")
	// ErrChallengeRejected is returned when the portal refuses the challenge answer.
	ErrChallengeRejected = errors.New("portal: challenge answer rejected")
	// ErrUnavailable is returned for 5xx responses.
	ErrUnavailable = errors.New("portal: unavailable")
	// ErrPayloadTooLarge is returned by Fetch when the payload exceeds the inline limit.
	ErrPayloadTooLarge = errors.New("portal: payload too large for single-shot request")
)

// StatusError describes an unexpected HTTP status.
type StatusError struct {
	Op         string
	StatusCode int
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal %s: unexpected status %d", e.Op, e.StatusCode)
}

// Unwrap exposes the classified sentinel, if any.
func (e *StatusError) Unwrap() error {
	return e.kind
}
