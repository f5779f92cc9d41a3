package models

import (
	"errors"
	"fmt"
	"time"
)

// EventObservation is the result of one check of a machine's event log.
// It is produced fresh on every check and never mutated.
type EventObservation struct {
	MachineID     string        `json:"machine_id"`
	SignalPresent bool          `json:"signal_present"`
	ObservedAt    time.Time     `json:"observed_at"`
	EventAge      time.Duration `json:"event_age,omitempty"` // only meaningful when SignalPresent
	EventCount    int           `json:"event_count"`
	LatestEventAt time.Time     `json:"latest_event_at,omitempty"`
}

// NoSignal returns an observation for a machine whose log held no matching event
func NoSignal(machineID string, observedAt time.Time) EventObservation {
	return EventObservation{
		MachineID:  machineID,
		ObservedAt: observedAt,
	}
}

// SignalAt returns an observation for a machine whose latest matching event
// happened at latest. A latest timestamp after observedAt (guest clock ahead
// of the host) is clamped to age zero.
func SignalAt(machineID string, observedAt, latest time.Time, count int) EventObservation {
	age := observedAt.Sub(latest)
	if age < 0 {
		age = 0
	}
	if count < 1 {
		count = 1
	}
	return EventObservation{
		MachineID:     machineID,
		SignalPresent: true,
		ObservedAt:    observedAt,
		EventAge:      age,
		EventCount:    count,
		LatestEventAt: latest,
	}
}

// Age returns the event age and whether it is present
func (o EventObservation) Age() (time.Duration, bool) {
	if !o.SignalPresent {
		return 0, false
	}
	return o.EventAge, true
}

// EventTime returns when the observed event happened
func (o EventObservation) EventTime() time.Time {
	if !o.SignalPresent {
		return time.Time{}
	}
	return o.ObservedAt.Add(-o.EventAge)
}

// Validate checks the age invariant
func (o EventObservation) Validate() error {
	if o.MachineID == "" {
		return errors.New("observation: machine id required")
	}
	if !o.SignalPresent && o.EventAge != 0 {
		return fmt.Errorf("observation for %s: event age set without a signal", o.MachineID)
	}
	if o.EventAge < 0 {
		return fmt.Errorf("observation for %s: negative event age %v", o.MachineID, o.EventAge)
	}
	return nil
}
