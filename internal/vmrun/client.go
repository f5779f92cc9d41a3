// Package vmrun drives VMware hosts through the vmrun command-line tool:
// listing powered-on machines, stopping and starting them, and querying
// a guest's event log.
package vmrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/internal/restart"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/cenkalti/backoff/v5"
)

// Config holds the vmrun adapter settings
type Config struct {
	HostType         string // -T value, e.g. "ws"; empty omits the flag
	GuestUser        string
	GuestPassword    string
	CaptureDir       string
	EventID          int
	EventLog         string
	DiscoveryRetries int
	RetryInterval    time.Duration // first delay between discovery retries
}

// DefaultConfig returns the shipped adapter settings
func DefaultConfig() Config {
	return Config{
		HostType:         "ws",
		CaptureDir:       "capture",
		EventID:          2004,
		EventLog:         "System",
		DiscoveryRetries: 2,
		RetryInterval:    2 * time.Second,
	}
}

// Client implements discovery, event observation and machine control
type Client struct {
	runner Runner
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// New creates a client over runner
func New(runner Runner, cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.EventLog == "" {
		cfg.EventLog = "System"
	}
	if cfg.EventID == 0 {
		cfg.EventID = 2004
	}
	if cfg.CaptureDir == "" {
		cfg.CaptureDir = "capture"
	}
	return &Client{runner: runner, cfg: cfg, logger: logger, now: time.Now}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if c.cfg.HostType != "" {
		args = append([]string{"-T", c.cfg.HostType}, args...)
	}
	return c.runner.Run(ctx, args...)
}

// ListPoweredOn returns every running machine. Transient failures are retried
// with backoff; a missing vmrun binary is not.
func (c *Client) ListPoweredOn(ctx context.Context) ([]models.Machine, error) {
	b := backoff.NewExponentialBackOff()
	if c.cfg.RetryInterval > 0 {
		b.InitialInterval = c.cfg.RetryInterval
	}

	list := func() ([]models.Machine, error) {
		output, err := c.run(ctx, "list")
		if err != nil {
			if isMissingBinary(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return c.parseList(output), nil
	}

	machines, err := backoff.Retry(ctx, list,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.DiscoveryRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("vmrun list failed, retrying", map[string]interface{}{
				"error":    err.Error(),
				"retry_in": next.String(),
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("list powered-on machines: %w", err)
	}

	c.logger.Debug("Found powered-on machines", map[string]interface{}{"count": len(machines)})
	return machines, nil
}

// parseList reads "Total running VMs: N" followed by one .vmx path per line
func (c *Client) parseList(output string) []models.Machine {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return nil
	}

	var machines []models.Machine
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasSuffix(strings.ToLower(line), ".vmx") {
			continue
		}
		machines = append(machines, models.NewMachine(line))
	}

	if want, ok := parseCount(lines[0]); ok && want != len(machines) {
		c.logger.Warn("vmrun list count does not match listed machines", map[string]interface{}{
			"reported": want,
			"listed":   len(machines),
		})
	}
	return machines
}

func parseCount(header string) (int, bool) {
	idx := strings.LastIndex(header, ":")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[idx+1:]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsRunning reports whether m is currently powered on
func (c *Client) IsRunning(ctx context.Context, m models.Machine) (bool, error) {
	machines, err := c.ListPoweredOn(ctx)
	if err != nil {
		return false, err
	}
	for _, running := range machines {
		if strings.EqualFold(running.ID, m.ID) {
			return true, nil
		}
	}
	return false, nil
}

// Stop shuts m down, soft first and hard if the guest does not cooperate.
// A machine that is already off counts as stopped.
func (c *Client) Stop(ctx context.Context, m models.Machine) error {
	output, err := c.run(ctx, "stop", m.ID, "soft", "nogui")
	if err == nil || notPoweredOn(output) {
		if err != nil {
			c.logger.Info("Machine was already stopped", map[string]interface{}{"machine": m.Name})
		}
		return nil
	}

	c.logger.Warn("Soft stop failed, trying hard stop", map[string]interface{}{
		"machine": m.Name,
		"output":  output,
	})

	output, err = c.run(ctx, "stop", m.ID, "hard", "nogui")
	if err == nil || notPoweredOn(output) {
		return nil
	}
	return controlError("stop", m, output, err)
}

// Start powers m on without opening a console window
func (c *Client) Start(ctx context.Context, m models.Machine) error {
	output, err := c.run(ctx, "start", m.ID, "nogui")
	if err != nil {
		return controlError("start", m, output, err)
	}
	return nil
}

func controlError(op string, m models.Machine, output string, err error) error {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return restart.NewControlError(op, m.Name, output, cerr.TimedOut, cerr.Err, m.ID)
	}
	return restart.NewControlError(op, m.Name, output, false, err, m.ID)
}

func notPoweredOn(output string) bool {
	return strings.Contains(strings.ToLower(output), "is not powered on")
}

func isMissingBinary(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
