package admission

import (
	"fmt"
	"math"
	"time"
)

// Reason is the machine-readable rejection code.
type Reason string

const (
	ReasonInsufficientStorage Reason = "INSUFFICIENT_STORAGE"
	ReasonConcurrencyLimit    Reason = "CONCURRENCY_LIMIT_EXCEEDED"
	ReasonRateLimit           Reason = "RATE_LIMIT_EXCEEDED"
)

// Error is an admission rejection. Rejections never consume retry budget.
type Error struct {
	Reason  Reason
	Message string
	// RetryAfter is set for rate limit rejections.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 when set.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}
