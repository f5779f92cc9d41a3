package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// fileView is the on-disk layout. Durations are kept in Go syntax so a
// rendered file reads back unchanged.
type fileView struct {
	CheckInterval    string  `yaml:"check_interval" json:"check_interval"`
	EventWindow      string  `yaml:"event_window" json:"event_window"`
	MaxEventAge      string  `yaml:"max_event_age" json:"max_event_age"`
	RestartDelay     string  `yaml:"restart_delay" json:"restart_delay"`
	MaxRetries       int     `yaml:"max_retries" json:"max_retries"`
	RetryDelay       string  `yaml:"retry_delay" json:"retry_delay"`
	RetryMultiplier  float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	LockCleanupDelay string  `yaml:"lock_cleanup_delay" json:"lock_cleanup_delay"`
	DryRun           bool    `yaml:"dry_run" json:"dry_run"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
	LogFile   string `yaml:"log_file" json:"log_file"`

	VMRunPath     string `yaml:"vmrun_path" json:"vmrun_path"`
	VMRunHostType string `yaml:"vmrun_host_type" json:"vmrun_host_type"`
	VMRunTimeout  string `yaml:"vmrun_timeout" json:"vmrun_timeout"`
	GuestUser     string `yaml:"guest_user" json:"guest_user"`
	GuestPassword string `yaml:"guest_password" json:"guest_password"`
	CaptureDir    string `yaml:"capture_dir" json:"capture_dir"`
	EventID       int    `yaml:"event_id" json:"event_id"`
	EventLog      string `yaml:"event_log" json:"event_log"`

	MaxConcurrent    int `yaml:"max_concurrent" json:"max_concurrent"`
	DiscoveryRetries int `yaml:"discovery_retries" json:"discovery_retries"`

	MetricsAddr    string   `yaml:"metrics_addr" json:"metrics_addr"`
	APIRateLimit   float64  `yaml:"api_rate_limit" json:"api_rate_limit"`
	APIRateBurst   int      `yaml:"api_rate_burst" json:"api_rate_burst"`
	APITokens      []string `yaml:"api_tokens" json:"api_tokens"`
	APITLSCert     string   `yaml:"api_tls_cert" json:"api_tls_cert"`
	APITLSKey      string   `yaml:"api_tls_key" json:"api_tls_key"`
	APITLSClientCA string   `yaml:"api_tls_client_ca" json:"api_tls_client_ca"`

	HistoryDriver    string `yaml:"history_driver" json:"history_driver"`
	HistoryDSN       string `yaml:"history_dsn" json:"history_dsn"`
	HistoryRetention string `yaml:"history_retention" json:"history_retention"`

	NATSURL     string `yaml:"nats_url" json:"nats_url"`
	NATSSubject string `yaml:"nats_subject" json:"nats_subject"`
	NATSTLSCert string `yaml:"nats_tls_cert" json:"nats_tls_cert"`
	NATSTLSKey  string `yaml:"nats_tls_key" json:"nats_tls_key"`
	NATSTLSCA   string `yaml:"nats_tls_ca" json:"nats_tls_ca"`

	TracingEndpoint string `yaml:"tracing_endpoint" json:"tracing_endpoint"`
}

// MarshalYAML renders the configuration in the file layout Load reads
func (c *Config) MarshalYAML() (interface{}, error) {
	return fileView{
		CheckInterval:    c.CheckInterval.String(),
		EventWindow:      c.EventWindow.String(),
		MaxEventAge:      c.MaxEventAge.String(),
		RestartDelay:     c.RestartDelay.String(),
		MaxRetries:       c.MaxRetries,
		RetryDelay:       c.RetryDelay.String(),
		RetryMultiplier:  c.RetryMultiplier,
		LockCleanupDelay: c.LockCleanupDelay.String(),
		DryRun:           c.DryRun,
		LogLevel:         c.LogLevel,
		LogFormat:        c.LogFormat,
		LogFile:          c.LogFile,
		VMRunPath:        c.VMRunPath,
		VMRunHostType:    c.VMRunHostType,
		VMRunTimeout:     c.VMRunTimeout.String(),
		GuestUser:        c.GuestUser,
		GuestPassword:    c.GuestPassword,
		CaptureDir:       c.CaptureDir,
		EventID:          c.EventID,
		EventLog:         c.EventLog,
		MaxConcurrent:    c.MaxConcurrent,
		DiscoveryRetries: c.DiscoveryRetries,
		MetricsAddr:      c.MetricsAddr,
		APIRateLimit:     c.APIRateLimit,
		APIRateBurst:     c.APIRateBurst,
		APITokens:        append([]string{}, c.APITokens...),
		APITLSCert:       c.APITLSCert,
		APITLSKey:        c.APITLSKey,
		APITLSClientCA:   c.APITLSClientCA,
		HistoryDriver:    c.HistoryDriver,
		HistoryDSN:       c.HistoryDSN,
		HistoryRetention: c.HistoryRetention.String(),
		NATSURL:          c.NATSURL,
		NATSSubject:      c.NATSSubject,
		NATSTLSCert:      c.NATSTLSCert,
		NATSTLSKey:       c.NATSTLSKey,
		NATSTLSCA:        c.NATSTLSCA,
		TracingEndpoint:  c.TracingEndpoint,
	}, nil
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.GuestPassword != "" {
		cp.GuestPassword = "********"
	}
	if len(c.APITokens) > 0 {
		cp.APITokens = make([]string, len(c.APITokens))
		for i := range cp.APITokens {
			cp.APITokens[i] = "********"
		}
	}
	return &cp
}

// YAML renders the configuration as a YAML document
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const exampleHeader = `# vmwatch configuration
#
# Every key can be overridden with VMWATCH_<KEY> in the environment.
# Durations take Go syntax (90s, 5m); a bare number is seconds, or minutes
# for event_window and max_event_age, hours for history_retention.
`

// Example renders the default configuration as a commented file
func Example() ([]byte, error) {
	body, err := Default().YAML()
	if err != nil {
		return nil, err
	}
	return append([]byte(exampleHeader+"\n"), body...), nil
}

// WriteExample writes the example file to path, refusing to overwrite
// unless force is set
func WriteExample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := Example()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Summary lists the settings worth logging at startup
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"check_interval":     c.CheckInterval.String(),
		"event_window":       c.EventWindow.String(),
		"event_id":           strconv.Itoa(c.EventID),
		"max_event_age":      c.MaxEventAge.String(),
		"restart_delay":      c.RestartDelay.String(),
		"lock_cleanup_delay": c.LockCleanupDelay.String(),
		"max_retries":        c.MaxRetries,
		"retry_delay":        c.RetryDelay.String(),
		"max_concurrent":     c.MaxConcurrent,
		"vmrun_timeout":      c.VMRunTimeout.String(),
		"dry_run":            c.DryRun,
		"history_driver":     c.HistoryDriver,
		"history_retention":  c.HistoryRetention.String(),
		"api_auth":           len(c.APITokens) > 0,
		"api_tls":            c.APITLSEnabled(),
	}
}
