// Package api serves the watcher's status over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/brayalter/vmwatch/internal/monitor"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/metrics"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/gorilla/mux"
)

const (
	defaultRestartLimit = 50
	maxRestartLimit     = 1000
)

// StatusSource is the monitor state the API reports
type StatusSource interface {
	Statuses() []monitor.MachineStatus
	LastReport() *monitor.CycleReport
}

// HealthReporter answers health checks
type HealthReporter interface {
	GetStatus() monitor.HealthStatus
	GetHealthReport() map[string]interface{}
}

// RestartLister reads restart history
type RestartLister interface {
	ListRestarts(machineID string, limit int) ([]*models.RestartRecord, error)
}

// Handler handles status API requests
type Handler struct {
	status  StatusSource
	health  HealthReporter
	history RestartLister
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewHandler creates a status handler. history and m may be nil.
func NewHandler(status StatusSource, health HealthReporter, history RestartLister, m *metrics.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		status:  status,
		health:  health,
		history: history,
		metrics: m,
		logger:  logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	r.HandleFunc("/machines", h.ListMachines).Methods("GET")
	r.HandleFunc("/machines/{id}", h.GetMachine).Methods("GET")
	r.HandleFunc("/restarts", h.ListRestarts).Methods("GET")
}

// Health returns the monitor's health report. Unhealthy is reported as 503 so
// that load balancers and probes can act on the status code alone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.GetHealthReport()
	code := http.StatusOK
	if h.health.GetStatus() == monitor.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// CycleSummary is the API view of a cycle report
type CycleSummary struct {
	Number         int64     `json:"number"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMS     int64     `json:"duration_ms"`
	Machines       int       `json:"machines"`
	Detections     int       `json:"detections"`
	Restarts       int       `json:"restarts"`
	FailedRestarts int       `json:"failed_restarts"`
	Errors         int       `json:"errors"`
	Error          string    `json:"error,omitempty"`
}

// Summarize flattens a cycle report; nil in, nil out
func Summarize(report *monitor.CycleReport) *CycleSummary {
	if report == nil {
		return nil
	}
	total, failed := report.Restarts()
	s := &CycleSummary{
		Number:         report.Number,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
		DurationMS:     report.Duration().Milliseconds(),
		Machines:       len(report.Results),
		Detections:     report.Detections(),
		Restarts:       total,
		FailedRestarts: failed,
		Errors:         report.Errors(),
	}
	if report.Err != nil {
		s.Error = report.Err.Error()
	}
	return s
}

// ListMachines returns the latest status of every powered-on machine
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	statuses := h.status.Statuses()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machines":   statuses,
		"count":      len(statuses),
		"last_cycle": Summarize(h.status.LastReport()),
	})
}

// GetMachine returns one machine's status by ID (the .vmx path) or name
func (h *Handler) GetMachine(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["id"]
	for _, st := range h.status.Statuses() {
		if st.Machine.ID == key || st.Machine.Name == key {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "machine not found: "+key)
}

// ListRestarts returns recorded restarts, newest first
func (h *Handler) ListRestarts(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "restart history is not enabled")
		return
	}

	limit := defaultRestartLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRestartLimit)
	}
	machineID := r.URL.Query().Get("machine")

	records, err := h.history.ListRestarts(machineID, limit)
	if err != nil && !errors.Is(err, store.ErrNoRestart) {
		h.logger.Error("Failed to list restarts", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to list restarts")
		return
	}
	if records == nil {
		records = []*models.RestartRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"restarts": records,
		"count":    len(records),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
