package monitor

import (
	"sort"
	"time"

	"github.com/brayalter/vmwatch/internal/decision"
	"github.com/brayalter/vmwatch/pkg/models"
)

// MachineStatus is the latest known state of one machine
type MachineStatus struct {
	Machine      models.Machine           `json:"machine"`
	LastChecked  time.Time                `json:"last_checked"`
	Observation  *models.EventObservation `json:"observation,omitempty"`
	Decision     decision.Decision        `json:"decision"`
	RestartState models.RestartState      `json:"restart_state,omitempty"`
	LastRestart  *models.RestartRecord    `json:"last_restart,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// MachineResult is what one machine's check produced in one cycle
type MachineResult struct {
	Machine     models.Machine
	Observation *models.EventObservation
	Decision    decision.Decision
	Restart     *models.RestartRecord
	Err         error
}

// Restarted reports whether a restart operation ran for the machine
func (r MachineResult) Restarted() bool {
	return r.Restart != nil
}

// CycleReport summarises one monitoring cycle
type CycleReport struct {
	Number     int64
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []MachineResult
	Err        error
}

// Duration returns the cycle's wall time
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Detections counts machines whose event log showed the signal
func (r *CycleReport) Detections() int {
	n := 0
	for _, res := range r.Results {
		if res.Observation != nil && res.Observation.SignalPresent {
			n++
		}
	}
	return n
}

// Restarts counts restart operations and how many of them failed
func (r *CycleReport) Restarts() (total, failed int) {
	for _, res := range r.Results {
		if res.Restart == nil {
			continue
		}
		total++
		if models.IsFailure(res.Restart.State) {
			failed++
		}
	}
	return total, failed
}

// Errors counts machines whose check ended in an error
func (r *CycleReport) Errors() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

func (m *Monitor) updateStatus(res MachineResult, checkedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.statuses[res.Machine.ID]
	if !ok {
		st = &MachineStatus{Machine: res.Machine}
		m.statuses[res.Machine.ID] = st
	}
	st.LastChecked = checkedAt
	st.Observation = res.Observation
	st.Decision = res.Decision
	st.Error = ""
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	if res.Restart != nil {
		st.RestartState = res.Restart.State
		st.LastRestart = res.Restart
	}
}

// forgetMissing drops machines that are no longer powered on
func (m *Monitor) forgetMissing(current []models.Machine) {
	seen := make(map[string]bool, len(current))
	for _, machine := range current {
		seen[machine.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.statuses {
		if !seen[id] {
			delete(m.statuses, id)
		}
	}
}

// Statuses returns a snapshot of every known machine, ordered by name
func (m *Monitor) Statuses() []MachineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MachineStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Machine.Name != out[j].Machine.Name {
			return out[i].Machine.Name < out[j].Machine.Name
		}
		return out[i].Machine.ID < out[j].Machine.ID
	})
	return out
}

// LastReport returns the most recent cycle report, or nil before the first cycle
func (m *Monitor) LastReport() *CycleReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}
