package monitor

import (
	"sync"
	"time"
)

// HealthStatus represents the health state of the monitor
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusUnhealthy
)

// String returns string representation of health status
func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheck tracks monitor health from discovery and restart outcomes
type HealthCheck struct {
	mu sync.RWMutex

	status           HealthStatus
	lastStatusChange time.Time

	lastSuccessfulDiscovery      time.Time
	consecutiveDiscoveryFailures int
	totalDiscoveryFailures       int64
	lastDiscoveryError           string

	lastSuccessfulRestart      time.Time
	consecutiveRestartFailures int
	totalRestartFailures       int64
	totalRestarts              int64

	// Thresholds
	maxConsecutiveDiscoveryFailures int
	maxConsecutiveRestartFailures   int
	maxDiscoveryAge                 time.Duration

	now func() time.Time
}

// NewHealthCheck creates a health check. maxDiscoveryAge is how long the
// monitor may go without a successful discovery before it is unhealthy;
// zero disables the age check.
func NewHealthCheck(maxDiscoveryAge time.Duration) *HealthCheck {
	return newHealthCheck(maxDiscoveryAge, time.Now)
}

func newHealthCheck(maxDiscoveryAge time.Duration, now func() time.Time) *HealthCheck {
	start := now()
	return &HealthCheck{
		status:                          HealthStatusHealthy,
		lastStatusChange:                start,
		lastSuccessfulDiscovery:         start,
		maxConsecutiveDiscoveryFailures: 5,
		maxConsecutiveRestartFailures:   3,
		maxDiscoveryAge:                 maxDiscoveryAge,
		now:                             now,
	}
}

// RecordDiscoverySuccess records a successful machine listing
func (hc *HealthCheck) RecordDiscoverySuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.lastSuccessfulDiscovery = hc.now()
	hc.consecutiveDiscoveryFailures = 0
	hc.updateStatus()
}

// RecordDiscoveryFailure records a skipped cycle
func (hc *HealthCheck) RecordDiscoveryFailure(err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.consecutiveDiscoveryFailures++
	hc.totalDiscoveryFailures++
	if err != nil {
		hc.lastDiscoveryError = err.Error()
	}
	hc.updateStatus()
}

// RecordRestartSuccess records a restart that reached the succeeded state
func (hc *HealthCheck) RecordRestartSuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.totalRestarts++
	hc.lastSuccessfulRestart = hc.now()
	hc.consecutiveRestartFailures = 0
	hc.updateStatus()
}

// RecordRestartFailure records a restart that ended in a failed state
func (hc *HealthCheck) RecordRestartFailure() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.totalRestarts++
	hc.consecutiveRestartFailures++
	hc.totalRestartFailures++
	hc.updateStatus()
}

// updateStatus must be called with lock held
func (hc *HealthCheck) updateStatus() {
	newStatus := HealthStatusHealthy

	switch {
	case hc.maxDiscoveryAge > 0 && hc.now().Sub(hc.lastSuccessfulDiscovery) > hc.maxDiscoveryAge:
		newStatus = HealthStatusUnhealthy
	case hc.consecutiveDiscoveryFailures >= hc.maxConsecutiveDiscoveryFailures:
		newStatus = HealthStatusUnhealthy
	case hc.consecutiveDiscoveryFailures > 0:
		newStatus = HealthStatusDegraded
	}

	if hc.consecutiveRestartFailures >= hc.maxConsecutiveRestartFailures && newStatus < HealthStatusDegraded {
		newStatus = HealthStatusDegraded
	}

	if newStatus != hc.status {
		hc.status = newStatus
		hc.lastStatusChange = hc.now()
	}
}

// GetStatus returns current health status
func (hc *HealthCheck) GetStatus() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.updateStatus()
	return hc.status
}

// IsHealthy returns true if the monitor is healthy
func (hc *HealthCheck) IsHealthy() bool {
	return hc.GetStatus() == HealthStatusHealthy
}

// GetHealthReport returns detailed health report
func (hc *HealthCheck) GetHealthReport() map[string]interface{} {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.updateStatus()
	now := hc.now()
	report := map[string]interface{}{
		"status":                         hc.status.String(),
		"status_duration":                now.Sub(hc.lastStatusChange).Round(time.Second).String(),
		"last_successful_discovery":      hc.lastSuccessfulDiscovery.Format(time.RFC3339),
		"time_since_last_discovery":      now.Sub(hc.lastSuccessfulDiscovery).Round(time.Second).String(),
		"consecutive_discovery_failures": hc.consecutiveDiscoveryFailures,
		"total_discovery_failures":       hc.totalDiscoveryFailures,
		"consecutive_restart_failures":   hc.consecutiveRestartFailures,
		"total_restart_failures":         hc.totalRestartFailures,
		"total_restarts":                 hc.totalRestarts,
	}
	if !hc.lastSuccessfulRestart.IsZero() {
		report["last_successful_restart"] = hc.lastSuccessfulRestart.Format(time.RFC3339)
	}
	if hc.lastDiscoveryError != "" {
		report["last_discovery_error"] = hc.lastDiscoveryError
	}
	return report
}
