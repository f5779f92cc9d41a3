package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
)

// MemoryStore is an in-memory implementation of the restart history
type MemoryStore struct {
	mu       sync.RWMutex
	restarts []*models.RestartRecord
	ids      map[string]bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool)}
}

// RecordRestart saves a copy of rec
func (s *MemoryStore) RecordRestart(rec *models.RestartRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[rec.OperationID] {
		return fmt.Errorf("restart %s already recorded", rec.OperationID)
	}
	cp := *rec
	s.restarts = append(s.restarts, &cp)
	s.ids[rec.OperationID] = true
	return nil
}

// ListRestarts returns records newest first
func (s *MemoryStore) ListRestarts(machineID string, limit int) ([]*models.RestartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RestartRecord
	for _, rec := range s.restarts {
		if machineID != "" && rec.MachineID != machineID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastSuccessfulRestart returns the latest real successful restart
func (s *MemoryStore) LastSuccessfulRestart(machineID string) (*models.RestartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.RestartRecord
	for _, rec := range s.restarts {
		if rec.MachineID != machineID || !rec.Succeeded() {
			continue
		}
		if latest == nil || rec.StartedAt.After(latest.StartedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNoRestart
	}
	cp := *latest
	return &cp, nil
}

// PruneRestarts drops records that finished before cutoff
func (s *MemoryStore) PruneRestarts(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.restarts[:0]
	removed := 0
	for _, rec := range s.restarts {
		if rec.FinishedAt.Before(cutoff) {
			delete(s.ids, rec.OperationID)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	clear(s.restarts[len(kept):])
	s.restarts = kept
	return removed, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
