package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, 10))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, 2))
	db.SetConnMaxLifetime(orDefaultDuration(config.ConnMaxLifetime, 5*time.Minute))
	db.SetConnMaxIdleTime(orDefaultDuration(config.ConnMaxIdleTime, time.Minute))

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore{db: db, numbered: true}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS restarts (
		operation_id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL,
		machine_name TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		simulated BOOLEAN NOT NULL DEFAULT false,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_restarts_machine_started ON restarts(machine_id, started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
