// Package retention prunes old restart records from the history store.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/metrics"
)

// DefaultInterval is how often the history is pruned
const DefaultInterval = time.Hour

// Store is the part of the history store the pruner needs
type Store interface {
	PruneRestarts(cutoff time.Time) (int, error)
}

// Config holds the retention policy
type Config struct {
	Retention time.Duration // records older than this are removed; 0 disables pruning
	Interval  time.Duration
}

// Stats describes the pruner's work so far
type Stats struct {
	LastRun      time.Time `json:"last_run"`
	LastRemoved  int       `json:"last_removed"`
	TotalRemoved int64     `json:"total_removed"`
	LastError    string    `json:"last_error,omitempty"`
}

// Options carries the pruner's optional collaborators
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Pruner periodically deletes expired restart records
type Pruner struct {
	store   Store
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	stats Stats
}

// New creates a pruner
func New(store Store, cfg Config, opts Options) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	p := &Pruner{
		store:   store,
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Enabled reports whether a retention period is set
func (p *Pruner) Enabled() bool {
	return p.cfg.Retention > 0
}

// PruneOnce removes every record that finished more than Retention ago
func (p *Pruner) PruneOnce() (int, error) {
	if !p.Enabled() {
		return 0, nil
	}

	started := p.now()
	cutoff := started.Add(-p.cfg.Retention)
	removed, err := p.store.PruneRestarts(cutoff)

	p.mu.Lock()
	p.stats.LastRun = started
	p.stats.LastRemoved = removed
	p.stats.TotalRemoved += int64(removed)
	p.stats.LastError = ""
	if err != nil {
		p.stats.LastError = err.Error()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("History pruning failed", map[string]interface{}{"error": err.Error()})
		return removed, err
	}
	p.metrics.HistoryPruned(removed)
	if removed > 0 {
		p.logger.Info("Pruned restart history", map[string]interface{}{
			"removed": removed,
			"cutoff":  cutoff.Format(time.DateTime),
		})
	}
	return removed, nil
}

// Run prunes once immediately and then every Interval until ctx is done
func (p *Pruner) Run(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.Debug("History retention disabled")
		return nil
	}
	p.logger.Info("Starting history retention", map[string]interface{}{
		"retention": p.cfg.Retention.String(),
		"interval":  p.cfg.Interval.String(),
	})

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	_, _ = p.PruneOnce()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = p.PruneOnce()
		}
	}
}

// Stats returns a snapshot of the pruner's work
func (p *Pruner) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
