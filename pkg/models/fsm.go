package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning: true, // Pending → Running (worker claims job)
	},
	JobStatusRunning: {
		JobStatusSucceeded: true, // Running → Succeeded (both stages exited 0)
		JobStatusFailed:    true, // Running → Failed (stage failure, timeout or lost worker)
	},
	// Terminal states (no transitions allowed)
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusSucceeded || state == JobStatusFailed
}

// IsValidStatus reports whether s is one of the four job states
func IsValidStatus(s JobStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// AllStatuses lists job states in lifecycle order
func AllStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed}
}
