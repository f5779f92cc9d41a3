// Package shutdown runs cleanup hooks when the daemon is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brayalter/vmwatch/pkg/logging"
)

// Signals are the signals that trigger a graceful shutdown
var Signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	hooks   []hook
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
	err     error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a named shutdown function.
// Functions are called in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// NotifyContext returns a context cancelled on the first SIGINT or SIGTERM
func (m *Manager) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, Signals...)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.logger.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Shutdown executes all registered shutdown functions once, newest first,
// bounded by the manager's timeout. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		hooks := append([]hook(nil), m.hooks...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			m.logger.Debug("Running shutdown hook", map[string]interface{}{"hook": h.name})
			if err := h.fn(ctx); err != nil {
				m.logger.Error("Shutdown hook failed", map[string]interface{}{"hook": h.name, "error": err.Error()})
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		m.err = errors.Join(errs...)
		m.logger.Info("Graceful shutdown complete")
	})
	return m.err
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// WaitUntil creates a shutdown function that polls done until it reports true
// or the shutdown deadline passes
func WaitUntil(done func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("gave up waiting: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
