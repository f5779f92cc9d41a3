package models

import (
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    RestartState
		to      RestartState
		wantErr bool
	}{
		// Valid transitions
		{"Idle to Stopping", RestartStateIdle, RestartStateStopping, false},
		{"Idle to Succeeded (dry run)", RestartStateIdle, RestartStateSucceeded, false},
		{"Stopping to LockWait", RestartStateStopping, RestartStateLockWait, false},
		{"Stopping to FailedOther", RestartStateStopping, RestartStateFailedOther, false},
		{"LockWait to Starting", RestartStateLockWait, RestartStateStarting, false},
		{"Starting to Succeeded", RestartStateStarting, RestartStateSucceeded, false},
		{"Starting to Retrying", RestartStateStarting, RestartStateRetrying, false},
		{"Starting to FailedLock", RestartStateStarting, RestartStateFailedLock, false},
		{"Starting to FailedOther", RestartStateStarting, RestartStateFailedOther, false},
		{"Retrying to Starting", RestartStateRetrying, RestartStateStarting, false},

		// Invalid transitions
		{"Idle to Starting", RestartStateIdle, RestartStateStarting, true},
		{"Stopping to Starting", RestartStateStopping, RestartStateStarting, true},
		{"Stopping to Retrying", RestartStateStopping, RestartStateRetrying, true},
		{"LockWait to Succeeded", RestartStateLockWait, RestartStateSucceeded, true},
		{"Retrying to FailedLock", RestartStateRetrying, RestartStateFailedLock, true},
		{"Succeeded to Stopping", RestartStateSucceeded, RestartStateStopping, true},
		{"FailedLock to Retrying", RestartStateFailedLock, RestartStateRetrying, true},
		{"Unknown source", RestartState("bogus"), RestartStateStopping, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    RestartState
		expected bool
	}{
		{RestartStateSucceeded, true},
		{RestartStateFailedLock, true},
		{RestartStateFailedOther, true},
		{RestartStateIdle, false},
		{RestartStateStopping, false},
		{RestartStateLockWait, false},
		{RestartStateStarting, false},
		{RestartStateRetrying, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for from, allowed := range validTransitions {
		if IsTerminalState(from) && len(allowed) != 0 {
			t.Errorf("terminal state %s has outgoing transitions %v", from, allowed)
		}
	}
}
