package models

import (
	"errors"
	"fmt"
	"time"
)

// RestartPolicy controls when and how machines are restarted.
// It is built once at startup and passed by value.
type RestartPolicy struct {
	MaxEventAge      time.Duration `json:"max_event_age" yaml:"max_event_age"`
	RestartDelay     time.Duration `json:"restart_delay" yaml:"restart_delay"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay" yaml:"retry_delay"`
	RetryMultiplier  float64       `json:"retry_multiplier" yaml:"retry_multiplier"`
	LockCleanupDelay time.Duration `json:"lock_cleanup_delay" yaml:"lock_cleanup_delay"`
	DryRun           bool          `json:"dry_run" yaml:"dry_run"`
}

// DefaultRestartPolicy mirrors the monitor's shipped defaults
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxEventAge:      2 * time.Minute,
		RestartDelay:     5 * time.Second,
		MaxRetries:       3,
		RetryDelay:       10 * time.Second,
		RetryMultiplier:  1,
		LockCleanupDelay: 15 * time.Second,
	}
}

// SettleDelay is the total wait between a completed stop and the first start
func (p RestartPolicy) SettleDelay() time.Duration {
	return p.RestartDelay + p.LockCleanupDelay
}

// Validate rejects negative delays and retry counts
func (p RestartPolicy) Validate() error {
	var errs []error
	if p.MaxEventAge < 0 {
		errs = append(errs, fmt.Errorf("max_event_age must be >= 0, got %v", p.MaxEventAge))
	}
	if p.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("restart_delay must be >= 0, got %v", p.RestartDelay))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must be >= 0, got %v", p.RetryDelay))
	}
	if p.RetryMultiplier != 0 && p.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry_multiplier must be >= 1, got %g", p.RetryMultiplier))
	}
	if p.LockCleanupDelay < 0 {
		errs = append(errs, fmt.Errorf("lock_cleanup_delay must be >= 0, got %v", p.LockCleanupDelay))
	}
	return errors.Join(errs...)
}
