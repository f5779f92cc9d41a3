// Package config loads vmwatch settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/internal/monitor"
	"github.com/brayalter/vmwatch/internal/retention"
	"github.com/brayalter/vmwatch/internal/vmrun"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/brayalter/vmwatch/pkg/tracing"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VMWATCH_CHECK_INTERVAL
const EnvPrefix = "VMWATCH"

// Config is the complete, validated vmwatch configuration
type Config struct {
	CheckInterval    time.Duration
	EventWindow      time.Duration
	MaxEventAge      time.Duration
	RestartDelay     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	RetryMultiplier  float64
	LockCleanupDelay time.Duration
	DryRun           bool

	LogLevel  string
	LogFormat string
	LogFile   string

	VMRunPath     string
	VMRunHostType string
	VMRunTimeout  time.Duration
	GuestUser     string
	GuestPassword string
	CaptureDir    string
	EventID       int
	EventLog      string

	MaxConcurrent    int
	DiscoveryRetries int

	MetricsAddr    string
	APIRateLimit   float64
	APIRateBurst   int
	APITokens      []string
	APITLSCert     string
	APITLSKey      string
	APITLSClientCA string

	HistoryDriver    string
	HistoryDSN       string
	HistoryRetention time.Duration

	NATSURL     string
	NATSSubject string
	NATSTLSCert string
	NATSTLSKey  string
	NATSTLSCA   string

	TracingEndpoint string

	// ConfigFile is the file the settings were read from, if any
	ConfigFile string
}

// durationUnit is the unit a bare integer is read in for each duration key
var durationUnit = map[string]time.Duration{
	"check_interval":     time.Second,
	"event_window":       time.Minute,
	"max_event_age":      time.Minute,
	"restart_delay":      time.Second,
	"retry_delay":        time.Second,
	"lock_cleanup_delay": time.Second,
	"vmrun_timeout":      time.Second,
	"history_retention":  time.Hour,
}

var defaults = map[string]interface{}{
	"check_interval":     "60s",
	"event_window":       "60m",
	"max_event_age":      "2m",
	"restart_delay":      "5s",
	"max_retries":        3,
	"retry_delay":        "10s",
	"retry_multiplier":   1.0,
	"lock_cleanup_delay": "15s",
	"dry_run":            false,
	"log_level":          "INFO",
	"log_format":         "text",
	"log_file":           "",
	"vmrun_path":         "auto",
	"vmrun_host_type":    "ws",
	"vmrun_timeout":      "30s",
	"guest_user":         "",
	"guest_password":     "",
	"capture_dir":        "capture",
	"event_id":           2004,
	"event_log":          "System",
	"max_concurrent":     5,
	"discovery_retries":  2,
	"metrics_addr":       "",
	"api_rate_limit":     10.0,
	"api_rate_burst":     20,
	"api_tokens":         "",
	"api_tls_cert":       "",
	"api_tls_key":        "",
	"api_tls_client_ca":  "",
	"history_driver":     "memory",
	"history_dsn":        "",
	"history_retention":  "720h",
	"nats_url":           "",
	"nats_subject":       "vmwatch.restarts",
	"nats_tls_cert":      "",
	"nats_tls_key":       "",
	"nats_tls_ca":        "",
	"tracing_endpoint":   "",
}

// legacyEnv maps keys to the environment names older deployments use
var legacyEnv = map[string]string{
	"check_interval":     "CHECK_INTERVAL",
	"event_window":       "EVENT_CHECK_MINUTES",
	"restart_delay":      "RESTART_DELAY",
	"max_event_age":      "RESTART_TIME_THRESHOLD_MINUTES",
	"max_retries":        "RESTART_MAX_RETRIES",
	"retry_delay":        "RESTART_RETRY_DELAY",
	"lock_cleanup_delay": "LOCK_FILE_CLEANUP_DELAY",
	"vmrun_timeout":      "VM_VMRUN_TIMEOUT",
	"log_level":          "VM_LOG_LEVEL",
	"log_file":           "VM_LOG_FILE",
	"dry_run":            "VM_DRY_RUN",
	"guest_user":         "VM_USERNAME",
	"guest_password":     "VM_PASSWORD",
	"capture_dir":        "CAPTURE_FOLDER",
	"max_concurrent":     "VM_MAX_CONCURRENT_CHECKS",
}

// Keys returns every configuration key
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// Default returns the shipped configuration
func Default() *Config {
	cfg, err := build(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key := range defaults {
		names := []string{key, EnvPrefix + "_" + strings.ToUpper(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		_ = v.BindEnv(names...)
	}
	return v
}

// SearchPaths returns the files Load tries when no path is given
func SearchPaths() []string {
	paths := []string{"vmwatch.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".vmwatch", "config.yaml"))
	}
	return paths
}

// Load reads the configuration. An explicit path must exist; without one the
// SearchPaths are tried and a missing file just means defaults and
// environment only. The result is validated.
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		for _, candidate := range SearchPaths() {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(v *viper.Viper) (*Config, error) {
	var errs []error
	duration := func(key string) time.Duration {
		d, err := ParseDuration(v.GetString(key), durationUnit[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key string) int {
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v.GetString(key)))
		}
		return n
	}
	float := func(key string) float64 {
		f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number", key, v.GetString(key)))
		}
		return f
	}

	cfg := &Config{
		CheckInterval:    duration("check_interval"),
		EventWindow:      duration("event_window"),
		MaxEventAge:      duration("max_event_age"),
		RestartDelay:     duration("restart_delay"),
		MaxRetries:       integer("max_retries"),
		RetryDelay:       duration("retry_delay"),
		RetryMultiplier:  float("retry_multiplier"),
		LockCleanupDelay: duration("lock_cleanup_delay"),
		DryRun:           v.GetBool("dry_run"),

		LogLevel:  strings.ToUpper(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),
		LogFile:   v.GetString("log_file"),

		VMRunPath:     v.GetString("vmrun_path"),
		VMRunHostType: v.GetString("vmrun_host_type"),
		VMRunTimeout:  duration("vmrun_timeout"),
		GuestUser:     v.GetString("guest_user"),
		GuestPassword: v.GetString("guest_password"),
		CaptureDir:    v.GetString("capture_dir"),
		EventID:       integer("event_id"),
		EventLog:      v.GetString("event_log"),

		MaxConcurrent:    integer("max_concurrent"),
		DiscoveryRetries: integer("discovery_retries"),

		MetricsAddr:    v.GetString("metrics_addr"),
		APIRateLimit:   float("api_rate_limit"),
		APIRateBurst:   integer("api_rate_burst"),
		APITokens:      splitList(v.GetStringSlice("api_tokens")),
		APITLSCert:     v.GetString("api_tls_cert"),
		APITLSKey:      v.GetString("api_tls_key"),
		APITLSClientCA: v.GetString("api_tls_client_ca"),

		HistoryDriver:    v.GetString("history_driver"),
		HistoryDSN:       v.GetString("history_dsn"),
		HistoryRetention: duration("history_retention"),

		NATSURL:     v.GetString("nats_url"),
		NATSSubject: v.GetString("nats_subject"),
		NATSTLSCert: v.GetString("nats_tls_cert"),
		NATSTLSKey:  v.GetString("nats_tls_key"),
		NATSTLSCA:   v.GetString("nats_tls_ca"),

		TracingEndpoint: v.GetString("tracing_endpoint"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// splitList flattens comma separated entries; environment values arrive as
// one string
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseDuration accepts Go duration syntax ("90s", "1m30s") or a bare
// integer counted in unit
func ParseDuration(raw string, unit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if unit == 0 {
			unit = time.Second
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// Validate checks every setting and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	if c.CheckInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("check_interval must be at least 10s, got %v", c.CheckInterval))
	}
	if c.EventWindow < time.Minute {
		errs = append(errs, fmt.Errorf("event_window must be at least 1m, got %v", c.EventWindow))
	}
	if c.VMRunTimeout < 30*time.Second {
		errs = append(errs, fmt.Errorf("vmrun_timeout must be at least 30s, got %v", c.VMRunTimeout))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.DiscoveryRetries < 0 {
		errs = append(errs, fmt.Errorf("discovery_retries must be >= 0, got %d", c.DiscoveryRetries))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if !logging.IsValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is not one of DEBUG, INFO, WARNING, ERROR, CRITICAL", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.EventID <= 0 {
		errs = append(errs, fmt.Errorf("event_id must be positive, got %d", c.EventID))
	}
	if strings.TrimSpace(c.EventLog) == "" {
		errs = append(errs, errors.New("event_log must not be empty"))
	}
	if !store.IsValidDriver(c.HistoryDriver) {
		errs = append(errs, fmt.Errorf("history_driver %q is not one of %s", c.HistoryDriver, strings.Join(store.Drivers, ", ")))
	}
	if c.HistoryRetention < 0 {
		errs = append(errs, fmt.Errorf("history_retention must be >= 0, got %v", c.HistoryRetention))
	} else if c.HistoryRetention > 0 && c.HistoryRetention < max(c.EventWindow, c.MaxEventAge) {
		errs = append(errs, fmt.Errorf("history_retention %v must cover event_window and max_event_age, or be 0 to keep everything", c.HistoryRetention))
	}
	if c.APIRateLimit <= 0 || c.APIRateBurst < 1 {
		errs = append(errs, fmt.Errorf("api_rate_limit and api_rate_burst must be positive, got %g/%d", c.APIRateLimit, c.APIRateBurst))
	}
	if (c.APITLSCert == "") != (c.APITLSKey == "") {
		errs = append(errs, errors.New("api_tls_cert and api_tls_key must be set together"))
	}
	if c.APITLSClientCA != "" && c.APITLSCert == "" {
		errs = append(errs, errors.New("api_tls_client_ca requires api_tls_cert and api_tls_key"))
	}
	if (c.NATSTLSCert == "") != (c.NATSTLSKey == "") {
		errs = append(errs, errors.New("nats_tls_cert and nats_tls_key must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// Policy builds the restart policy
func (c *Config) Policy() models.RestartPolicy {
	return models.RestartPolicy{
		MaxEventAge:      c.MaxEventAge,
		RestartDelay:     c.RestartDelay,
		MaxRetries:       c.MaxRetries,
		RetryDelay:       c.RetryDelay,
		RetryMultiplier:  c.RetryMultiplier,
		LockCleanupDelay: c.LockCleanupDelay,
		DryRun:           c.DryRun,
	}
}

// Monitor builds the monitor loop settings
func (c *Config) Monitor() monitor.Config {
	return monitor.Config{
		CheckInterval: c.CheckInterval,
		EventWindow:   c.EventWindow,
		MaxConcurrent: c.MaxConcurrent,
		Policy:        c.Policy(),
	}
}

// VMRun builds the vmrun adapter settings
func (c *Config) VMRun() vmrun.Config {
	vc := vmrun.DefaultConfig()
	vc.HostType = c.VMRunHostType
	vc.GuestUser = c.GuestUser
	vc.GuestPassword = c.GuestPassword
	vc.CaptureDir = c.CaptureDir
	vc.EventID = c.EventID
	vc.EventLog = c.EventLog
	vc.DiscoveryRetries = c.DiscoveryRetries
	return vc
}

// Store builds the history store settings
func (c *Config) Store() store.Config {
	return store.Config{Driver: c.HistoryDriver, DSN: c.HistoryDSN}
}

// Retention builds the history retention settings
func (c *Config) Retention() retention.Config {
	return retention.Config{Retention: c.HistoryRetention, Interval: retention.DefaultInterval}
}

// Tracing builds the tracing settings
func (c *Config) Tracing(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "vmwatch",
		ServiceVersion: version,
		OTLPEndpoint:   c.TracingEndpoint,
		Enabled:        c.TracingEndpoint != "",
	}
}

// APITLSEnabled reports whether the status server serves HTTPS
func (c *Config) APITLSEnabled() bool {
	return c.APITLSCert != ""
}

// NATSTLSEnabled reports whether the NATS connection needs a TLS config
func (c *Config) NATSTLSEnabled() bool {
	return c.NATSTLSCert != "" || c.NATSTLSCA != ""
}

// LogLevelValue returns the parsed log level
func (c *Config) LogLevelValue() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}
