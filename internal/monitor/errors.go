package monitor

import (
	"fmt"
	"time"
)

// DiscoveryError means the powered-on machine list could not be obtained.
// The whole cycle is skipped.
type DiscoveryError struct {
	Err       error
	Timestamp time.Time
}

// Error implements error interface
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed: %v", e.Err)
}

// Unwrap implements error unwrapping
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// ObservationError means one machine's event log could not be read. Only
// that machine is skipped for the cycle.
type ObservationError struct {
	Machine   string
	Err       error
	Timestamp time.Time
}

// Error implements error interface
func (e *ObservationError) Error() string {
	return fmt.Sprintf("observation failed for %s: %v", e.Machine, e.Err)
}

// Unwrap implements error unwrapping
func (e *ObservationError) Unwrap() error {
	return e.Err
}

// PanicError is a recovered panic from one machine's check
type PanicError struct {
	Machine string
	Value   interface{}
}

// Error implements error interface
func (e *PanicError) Error() string {
	return fmt.Sprintf("check of %s panicked: %v", e.Machine, e.Value)
}
