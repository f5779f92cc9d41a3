package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	numbered bool // $1, $2, ... placeholders
}

const restartColumns = `operation_id, machine_id, machine_name, state, attempts, simulated, error, started_at, finished_at`

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecordRestart saves one finished restart operation
func (s *sqlStore) RecordRestart(rec *models.RestartRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO restarts (` + restartColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.Exec(query,
		rec.OperationID,
		rec.MachineID,
		rec.MachineName,
		string(rec.State),
		rec.Attempts,
		rec.Simulated,
		rec.Error,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record restart: %w", err)
	}
	return nil
}

// ListRestarts returns records newest first
func (s *sqlStore) ListRestarts(machineID string, limit int) ([]*models.RestartRecord, error) {
	query := `SELECT ` + restartColumns + ` FROM restarts`
	var args []interface{}
	if machineID != "" {
		query += ` WHERE machine_id = ?`
		args = append(args, machineID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list restarts: %w", err)
	}
	defer rows.Close()

	var out []*models.RestartRecord
	for rows.Next() {
		rec, err := scanRestart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list restarts: %w", err)
	}
	return out, nil
}

// LastSuccessfulRestart returns the latest real successful restart
func (s *sqlStore) LastSuccessfulRestart(machineID string) (*models.RestartRecord, error) {
	query := s.rebind(`SELECT ` + restartColumns + ` FROM restarts
		WHERE machine_id = ? AND state = ? AND simulated = ?
		ORDER BY started_at DESC LIMIT 1`)

	row := s.db.QueryRow(query, machineID, string(models.RestartStateSucceeded), false)
	rec, err := scanRestart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRestart
	}
	return rec, err
}

// PruneRestarts deletes records that finished before cutoff
func (s *sqlStore) PruneRestarts(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM restarts WHERE finished_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune restarts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune restarts: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRestart(row scanner) (*models.RestartRecord, error) {
	var rec models.RestartRecord
	var state string
	var errMsg sql.NullString

	err := row.Scan(
		&rec.OperationID,
		&rec.MachineID,
		&rec.MachineName,
		&state,
		&rec.Attempts,
		&rec.Simulated,
		&errMsg,
		&rec.StartedAt,
		&rec.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan restart: %w", err)
	}

	rec.State = models.RestartState(state)
	rec.Error = errMsg.String
	return &rec, nil
}
