// Package monitor runs the check, decide and act cycle over every powered-on
// machine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brayalter/vmwatch/internal/decision"
	"github.com/brayalter/vmwatch/internal/restart"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/metrics"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/brayalter/vmwatch/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Discovery lists the machines to check this cycle
type Discovery interface {
	ListPoweredOn(ctx context.Context) ([]models.Machine, error)
}

// EventSource reports the most recent occurrence of the monitored event
type EventSource interface {
	LatestSignal(ctx context.Context, m models.Machine, window time.Duration) (models.EventObservation, error)
}

// Restarter performs one restart operation
type Restarter interface {
	Restart(ctx context.Context, m models.Machine) (*restart.Result, error)
}

// History persists restart records and answers the duplicate guard
type History interface {
	RecordRestart(rec *models.RestartRecord) error
	LastSuccessfulRestart(machineID string) (*models.RestartRecord, error)
}

// Publisher announces finished restarts
type Publisher interface {
	PublishRestart(ctx context.Context, rec *models.RestartRecord) error
}

// Config holds the loop settings
type Config struct {
	CheckInterval time.Duration
	EventWindow   time.Duration
	MaxConcurrent int
	Policy        models.RestartPolicy
}

// Options carries the monitor's optional collaborators
type Options struct {
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tracer    *tracing.Provider
	History   History
	Publisher Publisher
	Health    *HealthCheck
	Sleep     restart.Sleeper
	Now       func() time.Time
}

// Monitor drives monitoring cycles
type Monitor struct {
	cfg       Config
	discovery Discovery
	events    EventSource
	restarter Restarter

	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *tracing.Provider
	history   History
	publisher Publisher
	health    *HealthCheck
	sleep     restart.Sleeper
	now       func() time.Time

	mu         sync.RWMutex
	statuses   map[string]*MachineStatus
	lastReport *CycleReport
	cycles     int64
}

// New creates a monitor
func New(cfg Config, discovery Discovery, events EventSource, restarter Restarter, opts Options) *Monitor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	m := &Monitor{
		cfg:       cfg,
		discovery: discovery,
		events:    events,
		restarter: restarter,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		history:   opts.History,
		publisher: opts.Publisher,
		health:    opts.Health,
		sleep:     opts.Sleep,
		now:       opts.Now,
		statuses:  make(map[string]*MachineStatus),
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.sleep == nil {
		m.sleep = restart.ContextSleep
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.health == nil {
		m.health = newHealthCheck(3*cfg.CheckInterval, m.now)
	}
	return m
}

// Health returns the monitor's health tracker
func (m *Monitor) Health() *HealthCheck {
	return m.health
}

// Run repeats RunCycle, sleeping CheckInterval between cycles, until ctx is
// cancelled. It always returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting monitor", map[string]interface{}{
		"check_interval": m.cfg.CheckInterval.String(),
		"event_window":   m.cfg.EventWindow.String(),
		"max_event_age":  m.cfg.Policy.MaxEventAge.String(),
		"max_concurrent": m.cfg.MaxConcurrent,
		"dry_run":        m.cfg.Policy.DryRun,
	})

	for {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Monitor stopped")
			return err
		}

		if _, err := m.RunCycle(ctx); err != nil {
			m.logger.Error("Monitoring cycle skipped", map[string]interface{}{"error": err.Error()})
		}

		if err := ctx.Err(); err != nil {
			m.logger.Info("Monitor stopped")
			return err
		}
		m.logger.Debug("Waiting for next cycle", map[string]interface{}{"interval": m.cfg.CheckInterval.String()})
		_ = m.sleep(ctx, m.cfg.CheckInterval)
	}
}

// RunCycle performs one check of every powered-on machine. It returns once
// every machine's check, including any restart it triggered, has finished.
// The error is non-nil only when discovery failed and the cycle was skipped.
func (m *Monitor) RunCycle(ctx context.Context) (*CycleReport, error) {
	m.mu.Lock()
	m.cycles++
	report := &CycleReport{Number: m.cycles, StartedAt: m.now()}
	m.mu.Unlock()

	ctx, span := m.tracer.StartSpan(ctx, "vmwatch.cycle", attribute.Int64("cycle", report.Number))
	defer span.End()

	machines, err := m.discovery.ListPoweredOn(ctx)
	if err != nil {
		derr := &DiscoveryError{Err: err, Timestamp: m.now()}
		report.Err = derr
		report.FinishedAt = m.now()

		m.metrics.DiscoveryFailed()
		m.health.RecordDiscoveryFailure(derr)
		tracing.SetError(ctx, derr)
		m.finishCycle(report)
		return report, derr
	}
	m.health.RecordDiscoverySuccess()
	m.metrics.SetMachines(len(machines))
	m.forgetMissing(machines)

	m.logger.Info(fmt.Sprintf("Checking %d powered-on machines", len(machines)), map[string]interface{}{
		"cycle": report.Number,
	})

	report.Results = make([]MachineResult, len(machines))
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrent)
	for i, machine := range machines {
		g.Go(func() error {
			report.Results[i] = m.checkMachine(ctx, machine)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = m.now()
	m.finishCycle(report)

	total, failed := report.Restarts()
	m.logger.Info("Monitoring cycle complete", map[string]interface{}{
		"cycle":           report.Number,
		"machines":        len(machines),
		"detections":      report.Detections(),
		"restarts":        total,
		"failed_restarts": failed,
		"errors":          report.Errors(),
		"duration":        report.Duration().Round(time.Millisecond).String(),
	})
	return report, nil
}

func (m *Monitor) finishCycle(report *CycleReport) {
	m.metrics.CycleCompleted(report.Duration())
	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()
}

// checkMachine observes, decides and acts for one machine. Nothing escapes
// it: errors and panics are folded into the result.
func (m *Monitor) checkMachine(ctx context.Context, machine models.Machine) (res MachineResult) {
	res.Machine = machine
	logger := m.logger.WithField("machine", machine.Name)

	ctx, span := m.tracer.StartSpan(ctx, "vmwatch.check", attribute.String("machine.id", machine.ID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res.Err = &PanicError{Machine: machine.Name, Value: r}
			res.Decision = decision.SkipBecause(res.Err.Error())
			logger.Error("Machine check panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
		m.updateStatus(res, m.now())
	}()

	if ctx.Err() != nil {
		res.Decision = decision.SkipBecause(decision.ReasonShuttingDown)
		return res
	}

	obs, err := m.events.LatestSignal(ctx, machine, m.cfg.EventWindow)
	if err != nil {
		res.Err = &ObservationError{Machine: machine.Name, Err: err, Timestamp: m.now()}
		res.Decision = decision.SkipBecause(decision.ReasonObservationFailed)
		m.metrics.ObservationFailed()
		m.recordDecision(res.Decision)
		tracing.SetError(ctx, res.Err)
		logger.Warn("Could not read guest event log", map[string]interface{}{"error": err.Error()})
		return res
	}
	res.Observation = &obs

	if obs.SignalPresent {
		m.metrics.SignalDetected()
		age, _ := obs.Age()
		logger.Warn("Resource exhaustion event detected", map[string]interface{}{
			"events":    obs.EventCount,
			"latest_at": obs.EventTime().Format(time.DateTime),
			"age":       age.Round(time.Second).String(),
		})
	}

	res.Decision = decision.Decide(obs, m.cfg.Policy)
	if res.Decision.Restart() {
		if m.alreadyRestarted(machine, obs, logger) {
			res.Decision = decision.SkipBecause(decision.ReasonAlreadyRestarted)
		} else if ctx.Err() != nil {
			res.Decision = decision.SkipBecause(decision.ReasonShuttingDown)
		}
	}
	m.recordDecision(res.Decision)
	logger.Debug("Decision", map[string]interface{}{"decision": res.Decision.String()})

	if !res.Decision.Restart() {
		return res
	}

	logger.Warn("Restarting machine")
	result, err := m.restarter.Restart(ctx, machine)
	if err != nil {
		if errors.Is(err, restart.ErrRestartInProgress) {
			res.Decision = decision.SkipBecause(decision.ReasonRestartInProgress)
			logger.Info("Restart already in progress, skipping")
			return res
		}
		res.Err = fmt.Errorf("restart %s: %w", machine.Name, err)
		logger.Error("Restart could not be run", map[string]interface{}{"error": err.Error()})
		return res
	}

	rec := result.Record()
	res.Restart = rec
	if result.Err != nil {
		res.Err = result.Err
	}
	m.recordRestart(ctx, rec, logger)
	return res
}

func (m *Monitor) recordDecision(d decision.Decision) {
	m.metrics.DecisionMade(d.Action.String(), d.Reason)
}

// alreadyRestarted reports whether a real restart began at or after the
// observed event. A history lookup failure never suppresses a restart.
func (m *Monitor) alreadyRestarted(machine models.Machine, obs models.EventObservation, logger *logging.Logger) bool {
	if m.history == nil {
		return false
	}
	last, err := m.history.LastSuccessfulRestart(machine.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNoRestart) {
			logger.Warn("Restart history lookup failed", map[string]interface{}{"error": err.Error()})
		}
		return false
	}
	if last == nil || last.StartedAt.Before(obs.EventTime()) {
		return false
	}
	logger.Info("Already restarted for this event, skipping", map[string]interface{}{
		"restarted_at": last.StartedAt.Format(time.DateTime),
		"event_at":     obs.EventTime().Format(time.DateTime),
	})
	return true
}

// recordRestart persists and announces a finished restart. The restart has
// already happened, so this runs even if ctx has been cancelled.
func (m *Monitor) recordRestart(ctx context.Context, rec *models.RestartRecord, logger *logging.Logger) {
	ctx = context.WithoutCancel(ctx)

	if models.IsFailure(rec.State) {
		m.health.RecordRestartFailure()
	} else {
		m.health.RecordRestartSuccess()
	}

	if m.history != nil {
		if err := m.history.RecordRestart(rec); err != nil {
			logger.Error("Failed to record restart", map[string]interface{}{"error": err.Error()})
		}
	}
	if m.publisher != nil {
		if err := m.publisher.PublishRestart(ctx, rec); err != nil {
			logger.Warn("Failed to publish restart", map[string]interface{}{"error": err.Error()})
		}
	}
}
