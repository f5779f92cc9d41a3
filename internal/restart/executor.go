// Package restart performs machine restarts against the control plane.
//
// A restart is a small state machine: stop, wait for the control plane to
// release the machine's lock files, then start, retrying the start only while
// the control plane reports lock contention.
package restart

import (
	"context"
	"fmt"
	"time"

	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/metrics"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/tracing"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// maxRetryInterval caps exponential retry delays
const maxRetryInterval = 5 * time.Minute

// Control is the subset of the control plane a restart needs
type Control interface {
	Stop(ctx context.Context, m models.Machine) error
	Start(ctx context.Context, m models.Machine) error
}

// LockProbe reports how many host processes still hold a machine's files
type LockProbe interface {
	Holders(ctx context.Context, m models.Machine) (int, error)
}

// Sleeper suspends the calling goroutine for d
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep waits for d or until ctx is done
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options carries the executor's optional collaborators
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
	Locks   *Locks
	Sleep   Sleeper
	Probe   LockProbe
	Now     func() time.Time
}

// Executor restarts machines
type Executor struct {
	control Control
	policy  models.RestartPolicy
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	locks   *Locks
	sleep   Sleeper
	probe   LockProbe
	now     func() time.Time
}

// NewExecutor creates an executor bound to one policy
func NewExecutor(control Control, policy models.RestartPolicy, opts Options) *Executor {
	e := &Executor{
		control: control,
		policy:  policy,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		locks:   opts.Locks,
		sleep:   opts.Sleep,
		probe:   opts.Probe,
		now:     opts.Now,
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.locks == nil {
		e.locks = NewLocks()
	}
	if e.sleep == nil {
		e.sleep = ContextSleep
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Policy returns the policy the executor was built with
func (e *Executor) Policy() models.RestartPolicy {
	return e.policy
}

// Locks returns the per-machine restart tokens
func (e *Executor) Locks() *Locks {
	return e.locks
}

// Result describes one finished restart operation
type Result struct {
	OperationID string
	Machine     models.Machine
	State       models.RestartState
	Simulated   bool
	Attempts    []models.RestartAttemptRecord
	Path        []models.RestartState // every state entered, in order
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Succeeded reports whether the operation ended in the succeeded state
func (r *Result) Succeeded() bool {
	return r.State == models.RestartStateSucceeded
}

// Duration returns how long the operation took
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Record converts the result into its persisted form
func (r *Result) Record() *models.RestartRecord {
	rec := &models.RestartRecord{
		OperationID: r.OperationID,
		MachineID:   r.Machine.ID,
		MachineName: r.Machine.Name,
		State:       r.State,
		Attempts:    len(r.Attempts),
		Simulated:   r.Simulated,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Restart runs a full restart of m. It returns ErrRestartInProgress without
// touching the machine when another restart of m is in flight. Once started,
// the operation runs to a terminal state even if ctx is cancelled; the
// returned error is nil for every terminal state, failures are reported in
// Result.State and Result.Err.
func (e *Executor) Restart(ctx context.Context, m models.Machine) (*Result, error) {
	release, ok := e.locks.TryAcquire(m.ID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", m, ErrRestartInProgress)
	}
	defer release()

	ctx = context.WithoutCancel(ctx)

	res := &Result{
		OperationID: uuid.New().String(),
		Machine:     m,
		State:       models.RestartStateIdle,
		Path:        []models.RestartState{models.RestartStateIdle},
		StartedAt:   e.now(),
	}
	logger := e.logger.WithFields(map[string]interface{}{
		"machine":   m.Name,
		"operation": res.OperationID,
	})

	ctx, span := e.tracer.StartSpan(ctx, "vmwatch.restart",
		attribute.String("machine.id", m.ID),
		attribute.String("operation.id", res.OperationID),
		attribute.Bool("dry_run", e.policy.DryRun),
	)
	defer span.End()

	e.metrics.RestartStarted()
	if e.policy.DryRun {
		e.simulate(ctx, res, logger)
	} else {
		e.execute(ctx, res, logger)
	}
	res.FinishedAt = e.now()

	stateLabel := string(res.State)
	if res.Simulated {
		stateLabel = "simulated"
	}
	e.metrics.RestartFinished(stateLabel, res.Duration())
	span.SetAttributes(
		attribute.String("restart.state", string(res.State)),
		attribute.Int("restart.attempts", len(res.Attempts)),
	)

	fields := map[string]interface{}{
		"state":    res.State,
		"attempts": len(res.Attempts),
		"duration": res.Duration().Round(time.Millisecond).String(),
	}
	switch {
	case res.Simulated:
		logger.Info("Dry run: restart simulated", fields)
	case res.Succeeded():
		logger.Info("Machine restarted", fields)
	default:
		fields["error"] = res.Err.Error()
		tracing.SetError(ctx, res.Err)
		logger.Error("Machine restart failed", fields)
	}

	return res, nil
}

func (e *Executor) execute(ctx context.Context, res *Result, logger *logging.Logger) {
	m := res.Machine

	e.transition(ctx, res, logger, models.RestartStateStopping)
	logger.Info("Stopping machine")
	if err := e.control.Stop(ctx, m); err != nil {
		e.fail(ctx, res, logger, models.RestartStateFailedOther, fmt.Errorf("stop: %w", err))
		return
	}

	e.transition(ctx, res, logger, models.RestartStateLockWait)
	logger.Info("Machine stopped, waiting for lock files to clear", map[string]interface{}{
		"wait": e.policy.SettleDelay().String(),
	})
	e.wait(ctx, logger, "restart_delay", e.policy.RestartDelay)
	e.wait(ctx, logger, "lock_cleanup_delay", e.policy.LockCleanupDelay)
	e.probeLocks(ctx, m, logger)

	schedule := e.retrySchedule()
	total := e.policy.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		e.transition(ctx, res, logger, models.RestartStateStarting)
		logger.Info(fmt.Sprintf("Starting machine (attempt %d/%d)", attempt, total))

		err := e.control.Start(ctx, m)
		switch {
		case err == nil:
			e.recordAttempt(res, attempt, models.AttemptSucceeded, nil)
			e.transition(ctx, res, logger, models.RestartStateSucceeded)
			return

		case !IsLockContention(err):
			e.recordAttempt(res, attempt, models.AttemptFailedOther, err)
			e.fail(ctx, res, logger, models.RestartStateFailedOther, fmt.Errorf("start attempt %d: %w", attempt, err))
			return
		}

		e.recordAttempt(res, attempt, models.AttemptFailedLock, err)
		if attempt > e.policy.MaxRetries {
			e.fail(ctx, res, logger, models.RestartStateFailedLock,
				fmt.Errorf("machine still locked after %d start attempts: %w", attempt, err))
			return
		}

		delay := schedule.NextBackOff()
		e.transition(ctx, res, logger, models.RestartStateRetrying)
		logger.Warn("Machine still locked, will retry start", map[string]interface{}{
			"attempt":  attempt,
			"retry_in": delay.String(),
			"error":    err.Error(),
		})
		e.wait(ctx, logger, "retry_delay", delay)
	}
}

func (e *Executor) simulate(ctx context.Context, res *Result, logger *logging.Logger) {
	m := res.Machine
	res.Simulated = true

	logger.Info("Dry run: would stop machine", map[string]interface{}{"command": "stop", "vmx": m.ID})
	logger.Info("Dry run: would wait for lock files to clear", map[string]interface{}{
		"restart_delay":      e.policy.RestartDelay.String(),
		"lock_cleanup_delay": e.policy.LockCleanupDelay.String(),
	})
	logger.Info("Dry run: would start machine", map[string]interface{}{
		"command":     "start",
		"vmx":         m.ID,
		"max_retries": e.policy.MaxRetries,
		"retry_delay": e.policy.RetryDelay.String(),
	})

	e.transition(ctx, res, logger, models.RestartStateSucceeded)
}

func (e *Executor) transition(ctx context.Context, res *Result, logger *logging.Logger, to models.RestartState) {
	if err := models.ValidateTransition(res.State, to); err != nil {
		logger.Error("Unexpected restart state transition", map[string]interface{}{"error": err.Error()})
	}
	logger.Debug("Restart state change", map[string]interface{}{"from": res.State, "to": to})
	tracing.AddEvent(ctx, string(to))

	res.State = to
	res.Path = append(res.Path, to)
}

func (e *Executor) fail(ctx context.Context, res *Result, logger *logging.Logger, state models.RestartState, err error) {
	res.Err = err
	e.transition(ctx, res, logger, state)
}

func (e *Executor) recordAttempt(res *Result, attempt int, outcome models.AttemptOutcome, err error) {
	rec := models.RestartAttemptRecord{
		MachineID:     res.Machine.ID,
		AttemptNumber: attempt,
		Outcome:       outcome,
		Timestamp:     e.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	res.Attempts = append(res.Attempts, rec)
	e.metrics.RestartAttempt(string(outcome))
}

// wait suspends for d. ctx is already detached from cancellation here, so a
// sleeper error can only come from a broken sleeper and is just logged.
func (e *Executor) wait(ctx context.Context, logger *logging.Logger, what string, d time.Duration) {
	if d <= 0 {
		return
	}
	logger.Debug("Waiting", map[string]interface{}{"for": what, "duration": d.String()})
	if err := e.sleep(ctx, d); err != nil {
		logger.Warn("Wait interrupted", map[string]interface{}{"for": what, "error": err.Error()})
	}
}

func (e *Executor) probeLocks(ctx context.Context, m models.Machine, logger *logging.Logger) {
	if e.probe == nil {
		return
	}
	holders, err := e.probe.Holders(ctx, m)
	if err != nil {
		logger.Debug("Lock probe failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if holders > 0 {
		logger.Warn("Host processes still reference the machine", map[string]interface{}{"processes": holders})
	}
}

// retrySchedule yields the delays between start attempts: RetryDelay every
// time, or growing from RetryDelay when RetryMultiplier > 1.
func (e *Executor) retrySchedule() backoff.BackOff {
	if e.policy.RetryMultiplier <= 1 {
		return backoff.NewConstantBackOff(e.policy.RetryDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.RetryDelay
	b.Multiplier = e.policy.RetryMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = max(e.policy.RetryDelay, maxRetryInterval)
	b.Reset()
	return b
}
