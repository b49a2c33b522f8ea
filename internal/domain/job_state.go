package domain

import "fmt"

// JobState is the lifecycle state of an acquisition job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// ParseJobState validates a state string from an external caller.
func ParseJobState(s string) (JobState, error) {
	switch st := JobState(s); st {
	case StatePending, StateRunning, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// ValidateStateTransition checks if a state transition is valid.
// The only loop is running -> running, taken when an attempt is retried.
func ValidateStateTransition(from, to JobState) error {
	validTransitions := map[JobState][]JobState{
		StatePending: {
			StateRunning, // Admitted and started
			StateFailed,  // Interrupted before the first attempt with no budget left
		},
		StateRunning: {
			StateRunning,   // Retry after backoff
			StateCompleted, // Artifact persisted
			StateFailed,    // Non-retryable error or budget exhausted
		},
		StateCompleted: {},
		StateFailed:    {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %s to %s", from, to)
}

// IsTerminalState checks if a state is terminal.
func IsTerminalState(state JobState) bool {
	return state == StateCompleted || state == StateFailed
}
