package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brayalter/vmwatch/internal/decision"
	"github.com/brayalter/vmwatch/internal/restart"
	"github.com/brayalter/vmwatch/pkg/metrics"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

type fakeDiscovery struct {
	mu       sync.Mutex
	machines []models.Machine
	errs     []error // consumed per call before machines are returned
	calls    int
}

func (f *fakeDiscovery) ListPoweredOn(ctx context.Context) ([]models.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.machines, nil
}

// fakeEvents answers per machine ID. Unknown machines have no signal.
type fakeEvents struct {
	mu     sync.Mutex
	obs    map[string]models.EventObservation
	errs   map[string]error
	panics map[string]bool
	delay  time.Duration

	calls       int
	inFlight    int32
	maxInFlight int32
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		obs:    make(map[string]models.EventObservation),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (f *fakeEvents) freshSignal(m models.Machine, age time.Duration) {
	f.obs[m.ID] = models.SignalAt(m.ID, t0, t0.Add(-age), 1)
}

func (f *fakeEvents) LatestSignal(ctx context.Context, m models.Machine, window time.Duration) (models.EventObservation, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls++
	obs, ok := f.obs[m.ID]
	err := f.errs[m.ID]
	panics := f.panics[m.ID]
	f.mu.Unlock()

	if panics {
		panic("corrupt event report")
	}
	if err != nil {
		return models.EventObservation{}, err
	}
	if !ok {
		return models.NoSignal(m.ID, t0), nil
	}
	return obs, nil
}

// fakeControl counts stop/start calls per machine
type fakeControl struct {
	mu       sync.Mutex
	stops    map[string]int
	starts   map[string]int
	startErr error
}

func newFakeControl() *fakeControl {
	return &fakeControl{stops: make(map[string]int), starts: make(map[string]int)}
}

func (f *fakeControl) Stop(ctx context.Context, m models.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[m.ID]++
	return nil
}

func (f *fakeControl) Start(ctx context.Context, m models.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[m.ID]++
	return f.startErr
}

type fakePublisher struct {
	mu      sync.Mutex
	records []*models.RestartRecord
	ctxErr  error
}

func (p *fakePublisher) PublishRestart(ctx context.Context, rec *models.RestartRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	p.ctxErr = ctx.Err()
	return nil
}

type harness struct {
	discovery *fakeDiscovery
	events    *fakeEvents
	control   *fakeControl
	executor  *restart.Executor
	history   *store.MemoryStore
	publisher *fakePublisher
	monitor   *Monitor
}

func testPolicy() models.RestartPolicy {
	return models.RestartPolicy{
		MaxEventAge:     2 * time.Minute,
		MaxRetries:      3,
		RetryMultiplier: 1,
	}
}

func newHarness(t *testing.T, policy models.RestartPolicy, machines ...models.Machine) *harness {
	t.Helper()
	h := &harness{
		discovery: &fakeDiscovery{machines: machines},
		events:    newFakeEvents(),
		control:   newFakeControl(),
		history:   store.NewMemoryStore(),
		publisher: &fakePublisher{},
	}
	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	h.executor = restart.NewExecutor(h.control, policy, restart.Options{Sleep: noSleep, Now: fixedNow})
	h.monitor = New(Config{
		CheckInterval: time.Minute,
		EventWindow:   time.Hour,
		MaxConcurrent: 5,
		Policy:        policy,
	}, h.discovery, h.events, h.executor, Options{
		Metrics:   metrics.New(),
		History:   h.history,
		Publisher: h.publisher,
		Sleep:     noSleep,
		Now:       fixedNow,
	})
	return h
}

var (
	web = models.NewMachine(`C:\VMs\web01\web01.vmx`)
	db  = models.NewMachine(`C:\VMs\db01\db01.vmx`)
)

func resultFor(t *testing.T, report *CycleReport, m models.Machine) MachineResult {
	t.Helper()
	for _, res := range report.Results {
		if res.Machine.ID == m.ID {
			return res
		}
	}
	t.Fatalf("no result for %s", m)
	return MachineResult{}
}

func TestRunCycleRestartsMachineWithFreshSignal(t *testing.T) {
	h := newHarness(t, testPolicy(), web, db)
	h.events.freshSignal(web, 30*time.Second)

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	webRes := resultFor(t, report, web)
	assert.True(t, webRes.Decision.Restart())
	require.NotNil(t, webRes.Restart)
	assert.Equal(t, models.RestartStateSucceeded, webRes.Restart.State)
	assert.NoError(t, webRes.Err)

	dbRes := resultFor(t, report, db)
	assert.Equal(t, decision.SkipBecause(decision.ReasonNoSignal), dbRes.Decision)
	assert.Nil(t, dbRes.Restart)

	assert.Equal(t, 1, h.control.stops[web.ID])
	assert.Equal(t, 1, h.control.starts[web.ID])
	assert.Zero(t, h.control.stops[db.ID])

	total, failed := report.Restarts()
	assert.Equal(t, 1, total)
	assert.Zero(t, failed)
	assert.Equal(t, 1, report.Detections())

	recs, err := h.history.ListRestarts(web.ID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, h.publisher.records, 1)
	assert.Equal(t, recs[0].OperationID, h.publisher.records[0].OperationID)
}

func TestRunCycleSkipsOldEvent(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, 10*time.Minute)

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)

	res := resultFor(t, report, web)
	assert.Equal(t, decision.SkipBecause(decision.ReasonEventTooOld), res.Decision)
	assert.Zero(t, h.control.stops[web.ID])
	assert.Equal(t, 1, report.Detections())
}

func TestRunCycleEventAtThresholdRestarts(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, 2*time.Minute)

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, resultFor(t, report, web).Decision.Restart())
	assert.Equal(t, 1, h.control.starts[web.ID])
}

func TestRunCycleDiscoveryFailureSkipsCycle(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Second)
	h.discovery.errs = []error{errors.New("vmrun: Unable to connect to host")}

	report, err := h.monitor.RunCycle(context.Background())
	require.Error(t, err)

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, t0, derr.Timestamp)
	assert.Empty(t, report.Results)
	assert.Zero(t, h.events.calls)
	assert.Zero(t, h.control.stops[web.ID])
	assert.Equal(t, HealthStatusDegraded, h.monitor.Health().GetStatus())
	assert.Same(t, report, h.monitor.LastReport())

	report, err = h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
	assert.Equal(t, 1, h.control.starts[web.ID])
	assert.Equal(t, HealthStatusHealthy, h.monitor.Health().GetStatus())
}

func TestRunCycleObservationFailureIsolated(t *testing.T) {
	h := newHarness(t, testPolicy(), web, db)
	h.events.errs[db.ID] = errors.New("copyFileFromGuestToHost: file not found")
	h.events.freshSignal(web, time.Second)

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)

	dbRes := resultFor(t, report, db)
	assert.Equal(t, decision.SkipBecause(decision.ReasonObservationFailed), dbRes.Decision)
	var oerr *ObservationError
	require.ErrorAs(t, dbRes.Err, &oerr)
	assert.Equal(t, "db01", oerr.Machine)

	assert.True(t, resultFor(t, report, web).Decision.Restart())
	assert.Equal(t, 1, h.control.starts[web.ID])
	assert.Equal(t, 1, report.Errors())
}

func TestRunCycleAlreadyRestartedForEvent(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Minute)
	require.NoError(t, h.history.RecordRestart(&models.RestartRecord{
		OperationID: "earlier",
		MachineID:   web.ID,
		State:       models.RestartStateSucceeded,
		StartedAt:   t0.Add(-30 * time.Second),
	}))

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, decision.SkipBecause(decision.ReasonAlreadyRestarted), resultFor(t, report, web).Decision)
	assert.Zero(t, h.control.stops[web.ID])
}

func TestRunCycleRestartBeforeEventDoesNotSuppress(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Minute)
	require.NoError(t, h.history.RecordRestart(&models.RestartRecord{
		OperationID: "earlier",
		MachineID:   web.ID,
		State:       models.RestartStateSucceeded,
		StartedAt:   t0.Add(-5 * time.Minute),
	}))

	_, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.control.starts[web.ID])
}

func TestRunCycleSimulatedRestartDoesNotSuppress(t *testing.T) {
	policy := testPolicy()
	policy.DryRun = true
	h := newHarness(t, policy, web)
	h.events.freshSignal(web, time.Second)

	for i := 0; i < 2; i++ {
		report, err := h.monitor.RunCycle(context.Background())
		require.NoError(t, err)
		res := resultFor(t, report, web)
		assert.True(t, res.Decision.Restart(), "cycle %d", i+1)
		require.NotNil(t, res.Restart)
		assert.True(t, res.Restart.Simulated)
	}
	assert.Zero(t, h.control.stops[web.ID])
	assert.Zero(t, h.control.starts[web.ID])
}

func TestRunCycleRestartInProgressSkipped(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Second)

	release, ok := h.executor.Locks().TryAcquire(web.ID)
	require.True(t, ok)
	defer release()

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	res := resultFor(t, report, web)
	assert.Equal(t, decision.SkipBecause(decision.ReasonRestartInProgress), res.Decision)
	assert.NoError(t, res.Err)
	assert.Zero(t, h.control.stops[web.ID])
}

func TestRunCycleFailedRestartRecorded(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Second)
	h.control.startErr = restart.NewControlError("start", web.Name, "Error: The virtual machine is in use", false, errors.New("exit status 255"))

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)

	res := resultFor(t, report, web)
	require.NotNil(t, res.Restart)
	assert.Equal(t, models.RestartStateFailedLock, res.Restart.State)
	assert.Equal(t, 4, res.Restart.Attempts)
	assert.Error(t, res.Err)

	_, failed := report.Restarts()
	assert.Equal(t, 1, failed)

	_, err = h.history.LastSuccessfulRestart(web.ID)
	assert.ErrorIs(t, err, store.ErrNoRestart)
}

func TestRunCyclePanicRecovered(t *testing.T) {
	h := newHarness(t, testPolicy(), web, db)
	h.events.panics[db.ID] = true
	h.events.freshSignal(web, time.Second)

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)

	dbRes := resultFor(t, report, db)
	var perr *PanicError
	require.ErrorAs(t, dbRes.Err, &perr)
	assert.False(t, dbRes.Decision.Restart())
	assert.Equal(t, 1, h.control.starts[web.ID])
}

func TestRunCycleCancelledContextSkipsMachines(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, decision.SkipBecause(decision.ReasonShuttingDown), resultFor(t, report, web).Decision)
	assert.Zero(t, h.control.stops[web.ID])
}

func TestRunCycleRespectsConcurrencyLimit(t *testing.T) {
	var machines []models.Machine
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		machines = append(machines, models.NewMachine(`C:\VMs\`+name+`\`+name+`.vmx`))
	}
	h := newHarness(t, testPolicy(), machines...)
	h.monitor.cfg.MaxConcurrent = 2
	h.events.delay = 20 * time.Millisecond

	report, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 6)
	assert.Equal(t, 6, h.events.calls)
	assert.LessOrEqual(t, atomic.LoadInt32(&h.events.maxInFlight), int32(2))
}

func TestRunCyclePublishesWithLiveContext(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.events.freshSignal(web, time.Second)

	_, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.publisher.records, 1)
	assert.NoError(t, h.publisher.ctxErr)
}

func TestStatusesTrackLatestCycle(t *testing.T) {
	h := newHarness(t, testPolicy(), web, db)
	h.events.freshSignal(web, time.Second)

	_, err := h.monitor.RunCycle(context.Background())
	require.NoError(t, err)

	statuses := h.monitor.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "db01", statuses[0].Machine.Name)
	assert.Equal(t, "web01", statuses[1].Machine.Name)
	assert.Equal(t, models.RestartStateSucceeded, statuses[1].RestartState)
	require.NotNil(t, statuses[1].LastRestart)

	h.discovery.machines = []models.Machine{db}
	_, err = h.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	statuses = h.monitor.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "db01", statuses[0].Machine.Name)
}

func TestRunReturnsContextErrorAndContinuesAfterDiscoveryFailure(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	h.discovery.errs = []error{errors.New("vmrun timed out")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	h.monitor.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			cancel()
		}
		return ctx.Err()
	}

	err := h.monitor.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, h.discovery.calls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, sleeps)
	assert.EqualValues(t, 2, h.monitor.LastReport().Number)
	assert.NoError(t, h.monitor.LastReport().Err)
}

func TestRunStopsImmediatelyWhenCancelled(t *testing.T) {
	h := newHarness(t, testPolicy(), web)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.monitor.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.discovery.calls)
}

func TestNewClampsConcurrency(t *testing.T) {
	m := New(Config{MaxConcurrent: 0}, &fakeDiscovery{}, newFakeEvents(), nil, Options{})
	assert.Equal(t, 1, m.cfg.MaxConcurrent)
	assert.NotNil(t, m.Health())
}
