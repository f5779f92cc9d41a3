package models

import "fmt"

// RestartState is a state of one restart operation
type RestartState string

const (
	RestartStateIdle        RestartState = "idle"         // Nothing issued yet
	RestartStateStopping    RestartState = "stopping"     // Stop command in flight
	RestartStateLockWait    RestartState = "lock_wait"    // Waiting for the control plane to drop its locks
	RestartStateStarting    RestartState = "starting"     // Start command in flight
	RestartStateRetrying    RestartState = "retrying"     // Start hit lock contention, waiting to retry
	RestartStateSucceeded   RestartState = "succeeded"    // Machine is back up
	RestartStateFailedLock  RestartState = "failed_lock"  // Lock contention outlasted the retry budget
	RestartStateFailedOther RestartState = "failed_other" // Stop failed or start failed for a non-lock reason
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[RestartState]map[RestartState]bool{
	RestartStateIdle: {
		RestartStateStopping:  true,
		RestartStateSucceeded: true, // dry run
	},
	RestartStateStopping: {
		RestartStateLockWait:    true,
		RestartStateFailedOther: true,
	},
	RestartStateLockWait: {
		RestartStateStarting: true,
	},
	RestartStateStarting: {
		RestartStateSucceeded:   true,
		RestartStateRetrying:    true,
		RestartStateFailedLock:  true,
		RestartStateFailedOther: true,
	},
	RestartStateRetrying: {
		RestartStateStarting: true,
	},
	// Terminal states
	RestartStateSucceeded:   {},
	RestartStateFailedLock:  {},
	RestartStateFailedOther: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to RestartState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are possible
func IsTerminalState(state RestartState) bool {
	return state == RestartStateSucceeded ||
		state == RestartStateFailedLock ||
		state == RestartStateFailedOther
}

// IsFailure reports whether a terminal state means the machine was not restarted
func IsFailure(state RestartState) bool {
	return state == RestartStateFailedLock || state == RestartStateFailedOther
}
