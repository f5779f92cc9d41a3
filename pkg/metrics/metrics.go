package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the monitor's Prometheus collectors. All methods are safe on
// a nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	cycles              prometheus.Counter
	cycleDuration       prometheus.Histogram
	discoveryFailures   prometheus.Counter
	machines            prometheus.Gauge
	observationFailures prometheus.Counter
	detections          prometheus.Counter
	decisions           *prometheus.CounterVec
	attempts            *prometheus.CounterVec
	restarts            *prometheus.CounterVec
	restartDuration     prometheus.Histogram
	restartsInFlight    prometheus.Gauge
	historyPruned       prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmwatch_cycles_total",
			Help: "Monitoring cycles completed",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmwatch_cycle_duration_seconds",
			Help:    "Wall time of one monitoring cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		discoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmwatch_discovery_failures_total",
			Help: "Cycles skipped because powered-on machines could not be listed",
		}),
		machines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmwatch_machines",
			Help: "Powered-on machines seen in the last cycle",
		}),
		observationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmwatch_observation_failures_total",
			Help: "Machine checks that could not read the guest event log",
		}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmwatch_detections_total",
			Help: "Checks that found the resource-exhaustion event",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmwatch_decisions_total",
			Help: "Restart decisions by action and reason",
		}, []string{"action", "reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmwatch_restart_attempts_total",
			Help: "Start attempts by outcome",
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmwatch_restarts_total",
			Help: "Finished restart operations by terminal state",
		}, []string{"state"}),
		restartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmwatch_restart_duration_seconds",
			Help:    "Wall time of a restart operation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		restartsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmwatch_restarts_in_flight",
			Help: "Restart operations currently running",
		}),
		historyPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmwatch_history_pruned_total",
			Help: "Restart records removed by history retention",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.discoveryFailures,
		m.machines,
		m.observationFailures,
		m.detections,
		m.decisions,
		m.attempts,
		m.restarts,
		m.restartDuration,
		m.restartsInFlight,
		m.historyPruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleCompleted records a finished cycle
func (m *Metrics) CycleCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// DiscoveryFailed records a skipped cycle
func (m *Metrics) DiscoveryFailed() {
	if m == nil {
		return
	}
	m.discoveryFailures.Inc()
}

// SetMachines records how many machines the last cycle saw
func (m *Metrics) SetMachines(n int) {
	if m == nil {
		return
	}
	m.machines.Set(float64(n))
}

// ObservationFailed records an unreadable guest log
func (m *Metrics) ObservationFailed() {
	if m == nil {
		return
	}
	m.observationFailures.Inc()
}

// SignalDetected records a check that found the event
func (m *Metrics) SignalDetected() {
	if m == nil {
		return
	}
	m.detections.Inc()
}

// DecisionMade records a decision
func (m *Metrics) DecisionMade(action, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, reason).Inc()
}

// RestartStarted marks a restart as in flight
func (m *Metrics) RestartStarted() {
	if m == nil {
		return
	}
	m.restartsInFlight.Inc()
}

// RestartAttempt records one start attempt
func (m *Metrics) RestartAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// RestartFinished records a terminal restart state
func (m *Metrics) RestartFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.restartsInFlight.Dec()
	m.restarts.WithLabelValues(state).Inc()
	m.restartDuration.Observe(d.Seconds())
}

// HistoryPruned records removed restart records
func (m *Metrics) HistoryPruned(n int) {
	if m == nil {
		return
	}
	m.historyPruned.Add(float64(n))
}

// Dump writes every vmwatch_ metric family in text exposition format
func (m *Metrics) Dump(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "vmwatch_") {
			continue
		}
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
