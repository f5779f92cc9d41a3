// Package store keeps the restart history.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
)

var (
	// ErrNoRestart is returned when a machine has no matching restart on record
	ErrNoRestart = errors.New("no restart recorded")

	// ErrUnsupportedDriver is returned by Open for an unknown driver name
	ErrUnsupportedDriver = errors.New("unsupported history driver")
)

// Store persists restart records
type Store interface {
	// RecordRestart saves one finished restart operation
	RecordRestart(rec *models.RestartRecord) error
	// ListRestarts returns records newest first. An empty machineID lists every
	// machine; limit <= 0 means no limit.
	ListRestarts(machineID string, limit int) ([]*models.RestartRecord, error)
	// LastSuccessfulRestart returns the latest non-simulated successful restart
	// of machineID, or ErrNoRestart
	LastSuccessfulRestart(machineID string) (*models.RestartRecord, error)
	// PruneRestarts deletes records that finished before cutoff and returns
	// how many were removed
	PruneRestarts(cutoff time.Time) (int, error)
	Close() error
}

// Drivers lists the accepted driver names
var Drivers = []string{"memory", "sqlite", "postgres"}

// Config holds the store configuration
type Config struct {
	Driver string // "memory", "sqlite" or "postgres"
	DSN    string // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// IsValidDriver reports whether driver names a supported store
func IsValidDriver(driver string) bool {
	switch normalizeDriver(driver) {
	case "memory", "sqlite", "postgres":
		return true
	}
	return false
}

func normalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "", "mem":
		return "memory"
	case "sqlite3":
		return "sqlite"
	case "postgresql", "pg":
		return "postgres"
	default:
		return d
	}
}

// Open creates a store based on configuration
func Open(config Config) (Store, error) {
	switch normalizeDriver(config.Driver) {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "vmwatch.db"
		}
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgreSQLStore(config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, config.Driver)
	}
}

func validateRecord(rec *models.RestartRecord) error {
	if rec == nil {
		return errors.New("nil restart record")
	}
	if rec.OperationID == "" {
		return errors.New("restart record has no operation id")
	}
	if rec.MachineID == "" {
		return errors.New("restart record has no machine id")
	}
	return nil
}
