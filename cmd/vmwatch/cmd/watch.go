package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/brayalter/vmwatch/internal/monitor"
	"github.com/brayalter/vmwatch/internal/retention"
	"github.com/brayalter/vmwatch/internal/config"
	"github.com/brayalter/vmwatch/pkg/api"
	"github.com/brayalter/vmwatch/pkg/auth"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/notify"
	"github.com/brayalter/vmwatch/pkg/ratelimit"
	"github.com/brayalter/vmwatch/pkg/shutdown"
	tlsutil "github.com/brayalter/vmwatch/pkg/tls"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the monitor until interrupted",
	Long: `Watch checks every powered-on machine each check_interval and restarts
any machine whose guest logged Event ID 2004 within max_event_age.

A restart in progress when SIGINT or SIGTERM arrives runs to completion before
the process exits.

Example:
  vmwatch watch
  vmwatch watch --dry-run --log-level debug
  VMWATCH_METRICS_ADDR=:9464 vmwatch watch`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long shutdown hooks may take")
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{tracing: true})
	if err != nil {
		return err
	}
	logger := a.logger
	cfg := a.cfg

	guard, serverTLS, err := statusServerSecurity(cfg)
	if err != nil {
		a.Close()
		return err
	}

	logger.Info("vmwatch starting", map[string]interface{}{"version": Version, "config_file": cfg.ConfigFile})
	logger.Info("Configuration", cfg.Summary())
	if cfg.DryRun {
		logger.Warn("Dry run enabled: no machine will actually be restarted")
	}

	sm := shutdown.New(shutdownTimeout, logger)
	sm.Register("history", shutdown.CloseResource(a.history))
	sm.Register("tracing", a.tracer.Shutdown)

	opts := monitor.Options{
		Logger:  logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		History: a.history,
	}
	if cfg.NATSURL != "" {
		publisher, err := newPublisher(cfg, logger)
		if err != nil {
			// Notifications are best effort; the monitor runs without them.
			logger.Error("Restart notifications disabled", map[string]interface{}{"error": err.Error()})
		} else {
			opts.Publisher = publisher
			sm.Register("nats", shutdown.CloseResource(publisher))
		}
	}

	mon := monitor.New(cfg.Monitor(), a.client, a.client, a.executor, opts)

	ctx, cancel := sm.NotifyContext(cmd.Context())
	defer cancel()

	pruner := retention.New(a.history, cfg.Retention(), retention.Options{Logger: logger, Metrics: a.metrics})
	go func() { _ = pruner.Run(ctx) }()

	if cfg.MetricsAddr != "" {
		limiter := ratelimit.NewLimiter(cfg.APIRateLimit, cfg.APIRateBurst)
		go limiter.RunCleanup(ctx, time.Minute, 10*time.Minute)

		serverOpts := api.ServerOptions{
			Limiter: limiter,
			Tracer:  a.tracer,
			Logger:  logger,
			Auth:    guard,
		}
		handler := api.NewHandler(mon, mon.Health(), a.history, a.metrics, logger)
		srv := api.NewServer(cfg.MetricsAddr, handler, serverOpts)
		srv.TLSConfig = serverTLS
		go func() {
			logger.Info("Status server listening", map[string]interface{}{
				"addr": cfg.MetricsAddr,
				"tls":  srv.TLSConfig != nil,
				"auth": serverOpts.Auth != nil,
			})
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		sm.Register("http", shutdown.StopHTTPServer(srv))
	}

	err = mon.Run(ctx)

	shutdownErr := sm.Shutdown()
	logger.Info("vmwatch stopped")
	logger.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("monitor stopped: %w", err)
	}
	return shutdownErr
}

func newPublisher(cfg *config.Config, logger *logging.Logger) (*notify.Publisher, error) {
	host, _ := os.Hostname()
	var extra []nats.Option
	if cfg.NATSTLSEnabled() {
		tlsCfg, err := tlsutil.LoadClientConfig(cfg.NATSTLSCert, cfg.NATSTLSKey, cfg.NATSTLSCA)
		if err != nil {
			return nil, fmt.Errorf("nats TLS: %w", err)
		}
		extra = append(extra, nats.Secure(tlsCfg))
	}
	return notify.NewPublisher(cfg.NATSURL, cfg.NATSSubject, host, logger, extra...)
}

// statusServerSecurity builds the optional token guard and TLS config of the
// status server
func statusServerSecurity(cfg *config.Config) (*auth.TokenGuard, *tls.Config, error) {
	if cfg.MetricsAddr == "" {
		return nil, nil, nil
	}
	var guard *auth.TokenGuard
	if len(cfg.APITokens) > 0 {
		g, err := auth.NewTokenGuard(cfg.APITokens, "/health")
		if err != nil {
			return nil, nil, fmt.Errorf("status server auth: %w", err)
		}
		guard = g
	}
	var tlsCfg *tls.Config
	if cfg.APITLSEnabled() {
		c, err := tlsutil.LoadServerConfig(cfg.APITLSCert, cfg.APITLSKey, cfg.APITLSClientCA)
		if err != nil {
			return nil, nil, fmt.Errorf("status server TLS: %w", err)
		}
		tlsCfg = c
	}
	return guard, tlsCfg, nil
}
