package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brayalter/vmwatch/internal/decision"
	"github.com/brayalter/vmwatch/internal/monitor"
	"github.com/brayalter/vmwatch/pkg/api"
	"github.com/brayalter/vmwatch/pkg/auth"
	"github.com/brayalter/vmwatch/pkg/metrics"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/ratelimit"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	statuses []monitor.MachineStatus
	report   *monitor.CycleReport
}

func (f *fakeStatus) Statuses() []monitor.MachineStatus { return f.statuses }
func (f *fakeStatus) LastReport() *monitor.CycleReport  { return f.report }

type failingHistory struct{}

func (failingHistory) ListRestarts(string, int) ([]*models.RestartRecord, error) {
	return nil, errors.New("database is locked")
}

var t0 = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, history api.RestartLister, health *monitor.HealthCheck) (http.Handler, *fakeStatus) {
	t.Helper()
	web := models.NewMachine(`C:\VMs\web01\web01.vmx`)
	db := models.NewMachine(`C:\VMs\db01\db01.vmx`)

	status := &fakeStatus{
		statuses: []monitor.MachineStatus{
			{Machine: db, LastChecked: t0, Decision: decision.SkipBecause(decision.ReasonNoSignal)},
			{
				Machine:      web,
				LastChecked:  t0,
				Decision:     decision.Decision{Action: decision.Restart},
				RestartState: models.RestartStateSucceeded,
			},
		},
		report: &monitor.CycleReport{
			Number:     7,
			StartedAt:  t0,
			FinishedAt: t0.Add(3 * time.Second),
			Results: []monitor.MachineResult{
				{Machine: db},
				{Machine: web, Restart: &models.RestartRecord{State: models.RestartStateSucceeded}},
			},
		},
	}
	if health == nil {
		health = monitor.NewHealthCheck(0)
	}
	h := api.NewHandler(status, health, history, metrics.New(), nil)
	return api.NewRouter(h, api.ServerOptions{}), status
}

func get(t *testing.T, router http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
	return w
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router, _ := newTestRouter(t, nil, nil)
		w := get(t, router, "/health")
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		health := monitor.NewHealthCheck(0)
		for i := 0; i < 5; i++ {
			health.RecordDiscoveryFailure(errors.New("vmrun list failed"))
		}
		router, _ := newTestRouter(t, nil, health)
		w := get(t, router, "/health")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "vmrun list failed")
	})

	t.Run("degraded is still 200", func(t *testing.T) {
		health := monitor.NewHealthCheck(0)
		health.RecordDiscoveryFailure(errors.New("timeout"))
		router, _ := newTestRouter(t, nil, health)
		w := get(t, router, "/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "degraded")
	})
}

func TestListMachines(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)
	w := get(t, router, "/machines")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Machines []struct {
			Machine      models.Machine `json:"machine"`
			Decision     map[string]string
			RestartState string `json:"restart_state"`
		} `json:"machines"`
		Count     int              `json:"count"`
		LastCycle *api.CycleSummary `json:"last_cycle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Machines, 2)
	assert.Equal(t, "web01", body.Machines[1].Machine.Name)
	assert.Equal(t, "restart", body.Machines[1].Decision["action"])
	assert.Equal(t, "succeeded", body.Machines[1].RestartState)

	require.NotNil(t, body.LastCycle)
	assert.EqualValues(t, 7, body.LastCycle.Number)
	assert.Equal(t, 2, body.LastCycle.Machines)
	assert.Equal(t, 1, body.LastCycle.Restarts)
	assert.EqualValues(t, 3000, body.LastCycle.DurationMS)
}

func TestListMachinesBeforeFirstCycle(t *testing.T) {
	router, status := newTestRouter(t, nil, nil)
	status.statuses = nil
	status.report = nil

	w := get(t, router, "/machines")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"last_cycle":null`)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestGetMachine(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)

	w := get(t, router, "/machines/web01")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "web01.vmx")

	w = get(t, router, "/machines/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRestarts(t *testing.T) {
	history := store.NewMemoryStore()
	for i, id := range []string{"op-1", "op-2", "op-3"} {
		machine := `C:\VMs\web01\web01.vmx`
		if i == 2 {
			machine = `C:\VMs\db01\db01.vmx`
		}
		require.NoError(t, history.RecordRestart(&models.RestartRecord{
			OperationID: id,
			MachineID:   machine,
			State:       models.RestartStateSucceeded,
			StartedAt:   t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	router, _ := newTestRouter(t, history, nil)

	cases := []struct {
		name   string
		target string
		code   int
		count  int
	}{
		{"all", "/restarts", http.StatusOK, 3},
		{"by machine", `/restarts?machine=C:%5CVMs%5Cweb01%5Cweb01.vmx`, http.StatusOK, 2},
		{"limited", "/restarts?limit=1", http.StatusOK, 1},
		{"bad limit", "/restarts?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "/restarts?limit=0", http.StatusBadRequest, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := get(t, router, tc.target)
			require.Equal(t, tc.code, w.Code, w.Body.String())
			if tc.code != http.StatusOK {
				return
			}
			var body struct {
				Restarts []models.RestartRecord `json:"restarts"`
				Count    int                    `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.count, body.Count)
			assert.Len(t, body.Restarts, tc.count)
		})
	}

	w := get(t, router, "/restarts?limit=1")
	assert.Contains(t, w.Body.String(), "op-3")
}

func TestListRestartsWithoutHistory(t *testing.T) {
	router, _ := newTestRouter(t, nil, nil)
	w := get(t, router, "/restarts")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRestartsStoreError(t *testing.T) {
	router, _ := newTestRouter(t, failingHistory{}, nil)
	w := get(t, router, "/restarts")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "database is locked")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.SignalDetected()
	h := api.NewHandler(&fakeStatus{}, monitor.NewHealthCheck(0), nil, m, nil)
	router := api.NewRouter(h, api.ServerOptions{})

	w := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vmwatch_detections_total 1")
}

func TestRateLimit(t *testing.T) {
	h := api.NewHandler(&fakeStatus{}, monitor.NewHealthCheck(0), nil, nil, nil)
	router := api.NewRouter(h, api.ServerOptions{Limiter: ratelimit.NewLimiter(1, 2)})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, get(t, router, "/machines").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestTokenGuard(t *testing.T) {
	guard, err := auth.NewTokenGuard([]string{"s3cret"}, "/health")
	require.NoError(t, err)
	h := api.NewHandler(&fakeStatus{}, monitor.NewHealthCheck(0), nil, nil, nil)
	router := api.NewRouter(h, api.ServerOptions{Auth: guard})

	assert.Equal(t, http.StatusOK, get(t, router, "/health").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, router, "/machines").Code)

	req := httptest.NewRequest("GET", "/machines", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewServer(t *testing.T) {
	h := api.NewHandler(&fakeStatus{}, monitor.NewHealthCheck(0), nil, nil, nil)
	srv := api.NewServer(":9464", h, api.ServerOptions{})
	assert.Equal(t, ":9464", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}
