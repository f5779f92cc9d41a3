package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based restart history
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL with a busy timeout so `vmwatch history` can read while the daemon writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore{db: db}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS restarts (
		operation_id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL,
		machine_name TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		simulated BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_restarts_machine_started ON restarts(machine_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}
