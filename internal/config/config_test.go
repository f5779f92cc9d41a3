package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// isolate keeps Load away from files and variables on the test machine
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	for _, key := range Keys() {
		for _, name := range []string{EnvPrefix + "_" + strings.ToUpper(key), legacyEnv[key]} {
			if name == "" {
				continue
			}
			if _, ok := os.LookupEnv(name); ok {
				t.Setenv(name, "")
				os.Unsetenv(name)
			}
		}
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.Equal(t, 60*time.Minute, cfg.EventWindow)
	assert.Equal(t, 30*time.Second, cfg.VMRunTimeout)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 2004, cfg.EventID)
	assert.Equal(t, "memory", cfg.HistoryDriver)
	assert.Equal(t, "vmwatch.restarts", cfg.NATSSubject)
	assert.Equal(t, 30*24*time.Hour, cfg.HistoryRetention)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention().Retention)
	assert.Empty(t, cfg.ConfigFile)
	assert.Equal(t, models.DefaultRestartPolicy(), cfg.Policy())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	isolate(t)
	path := writeFile(t, `
check_interval: 2m
event_window: 15
max_event_age: 5
restart_delay: 8
max_retries: 5
retry_multiplier: 2
dry_run: true
log_level: debug
history_driver: sqlite
history_dsn: /var/lib/vmwatch/history.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.CheckInterval)
	assert.Equal(t, 15*time.Minute, cfg.EventWindow)
	assert.Equal(t, 5*time.Minute, cfg.MaxEventAge)
	assert.Equal(t, 8*time.Second, cfg.RestartDelay)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store().Driver)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, 10*time.Second, cfg.RetryDelay, "unset keys keep defaults")
}

func TestLoadSearchesWorkingDirectory(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("vmwatch.yaml", []byte("max_concurrent: 9\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrent)
	assert.Equal(t, "vmwatch.yaml", filepath.Base(cfg.ConfigFile))
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	isolate(t)
	path := writeFile(t, "check_interval: 2m\nmax_concurrent: 3\n")
	t.Setenv("VMWATCH_CHECK_INTERVAL", "45s")
	t.Setenv("VMWATCH_HISTORY_DRIVER", "postgres")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.CheckInterval)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, "postgres", cfg.HistoryDriver)
}

func TestLoadLegacyEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("CHECK_INTERVAL", "30")
	t.Setenv("EVENT_CHECK_MINUTES", "5")
	t.Setenv("RESTART_TIME_THRESHOLD_MINUTES", "3")
	t.Setenv("RESTART_MAX_RETRIES", "1")
	t.Setenv("LOCK_FILE_CLEANUP_DELAY", "20")
	t.Setenv("VM_VMRUN_TIMEOUT", "60")
	t.Setenv("VM_DRY_RUN", "true")
	t.Setenv("VM_LOG_LEVEL", "WARNING")
	t.Setenv("VM_USERNAME", "svc")
	t.Setenv("VM_PASSWORD", "secret")
	t.Setenv("VM_MAX_CONCURRENT_CHECKS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.EventWindow)
	assert.Equal(t, 3*time.Minute, cfg.MaxEventAge)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 20*time.Second, cfg.LockCleanupDelay)
	assert.Equal(t, time.Minute, cfg.VMRunTimeout)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "WARNING", cfg.LogLevel)
	assert.Equal(t, 2, cfg.MaxConcurrent)

	vc := cfg.VMRun()
	assert.Equal(t, "svc", vc.GuestUser)
	assert.Equal(t, "secret", vc.GuestPassword)
}

func TestPrefixedEnvironmentWinsOverLegacy(t *testing.T) {
	isolate(t)
	t.Setenv("CHECK_INTERVAL", "30")
	t.Setenv("VMWATCH_CHECK_INTERVAL", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.CheckInterval)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"interval too short", "check_interval: 5s\n", "check_interval must be at least 10s"},
		{"window too short", "event_window: 30s\n", "event_window must be at least 1m"},
		{"vmrun timeout too short", "vmrun_timeout: 10\n", "vmrun_timeout must be at least 30s"},
		{"no concurrency", "max_concurrent: 0\n", "max_concurrent must be at least 1"},
		{"negative retries", "max_retries: -1\n", "max_retries must be >= 0"},
		{"negative delay", "restart_delay: -5s\n", "restart_delay must be >= 0"},
		{"shrinking retries", "retry_multiplier: 0.5\n", "retry_multiplier must be >= 1"},
		{"unknown driver", "history_driver: mongo\n", "history_driver"},
		{"unknown level", "log_level: chatty\n", "log_level"},
		{"bad format", "log_format: xml\n", "log_format"},
		{"bad duration", "retry_delay: soon\n", "retry_delay"},
		{"bad integer", "max_retries: many\n", "max_retries"},
		{"negative retention", "history_retention: -1h\n", "history_retention must be >= 0"},
		{"retention shorter than window", "history_retention: 30m\n", "history_retention 30m0s must cover"},
		{"cert without key", "api_tls_cert: server.crt\n", "api_tls_cert and api_tls_key"},
		{"client ca without cert", "api_tls_client_ca: ca.crt\n", "api_tls_client_ca requires"},
		{"nats key without cert", "nats_tls_key: nats.key\n", "nats_tls_cert and nats_tls_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAPITokens(t *testing.T) {
	isolate(t)
	cfg, err := Load(writeFile(t, "api_tokens:\n  - one\n  - two\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, cfg.APITokens)

	t.Setenv("VMWATCH_API_TOKENS", "alpha, beta,,")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.APITokens)
	assert.False(t, cfg.APITLSEnabled())
	assert.Equal(t, true, cfg.Summary()["api_auth"])
}

func TestLoadReportsEveryProblem(t *testing.T) {
	isolate(t)
	_, err := Load(writeFile(t, "check_interval: 1s\nmax_concurrent: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check_interval")
	assert.Contains(t, err.Error(), "max_concurrent")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw  string
		unit time.Duration
		want time.Duration
		ok   bool
	}{
		{"90s", time.Second, 90 * time.Second, true},
		{"1m30s", time.Minute, 90 * time.Second, true},
		{"15", time.Second, 15 * time.Second, true},
		{"15", time.Minute, 15 * time.Minute, true},
		{" 2 ", time.Minute, 2 * time.Minute, true},
		{"0", time.Second, 0, true},
		{"", time.Second, 0, false},
		{"1.5", time.Second, 0, false},
		{"later", time.Second, 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.raw, tt.unit)
		if !tt.ok {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestExampleRoundTrips(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "conf", "vmwatch.yaml")
	require.NoError(t, WriteExample(path, false))
	assert.Error(t, WriteExample(path, false), "existing file must not be overwritten")
	require.NoError(t, WriteExample(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	def := Default()
	def.ConfigFile = path
	assert.Equal(t, def, cfg)
}

func TestRedactedYAML(t *testing.T) {
	cfg := Default()
	cfg.GuestPassword = "hunter2"
	cfg.APITokens = []string{"tok-abc"}

	out, err := cfg.Redacted().YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "tok-abc")
	assert.Equal(t, "hunter2", cfg.GuestPassword)
	assert.Equal(t, []string{"tok-abc"}, cfg.APITokens)

	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &raw))
	assert.Equal(t, "1m0s", raw["check_interval"])
	assert.Equal(t, 2004, raw["event_id"])
}

func TestMonitorConfig(t *testing.T) {
	cfg := Default()
	mc := cfg.Monitor()
	assert.Equal(t, cfg.CheckInterval, mc.CheckInterval)
	assert.Equal(t, cfg.MaxConcurrent, mc.MaxConcurrent)
	assert.Equal(t, cfg.Policy(), mc.Policy)

	assert.False(t, cfg.Tracing("dev").Enabled)
	cfg.TracingEndpoint = "localhost:4318"
	assert.True(t, cfg.Tracing("dev").Enabled)
}
