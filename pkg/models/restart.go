package models

import "time"

// AttemptOutcome is the result of one start attempt
type AttemptOutcome string

const (
	AttemptPending     AttemptOutcome = "pending"
	AttemptSucceeded   AttemptOutcome = "succeeded"
	AttemptFailedLock  AttemptOutcome = "failed_lock"
	AttemptFailedOther AttemptOutcome = "failed_other"
)

// RestartAttemptRecord tracks one start attempt inside a restart operation.
// Records are not persisted.
type RestartAttemptRecord struct {
	MachineID     string         `json:"machine_id"`
	AttemptNumber int            `json:"attempt_number"`
	Outcome       AttemptOutcome `json:"outcome"`
	Timestamp     time.Time      `json:"timestamp"`
	Error         string         `json:"error,omitempty"`
}

// RestartRecord summarises a finished restart operation
type RestartRecord struct {
	OperationID string       `json:"operation_id"`
	MachineID   string       `json:"machine_id"`
	MachineName string       `json:"machine_name"`
	State       RestartState `json:"state"`
	Attempts    int          `json:"attempts"`
	Simulated   bool         `json:"simulated"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Duration returns how long the operation took
func (r *RestartRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the machine was actually brought back up
func (r *RestartRecord) Succeeded() bool {
	return r.State == RestartStateSucceeded && !r.Simulated
}
