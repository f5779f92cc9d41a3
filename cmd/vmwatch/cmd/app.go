package cmd

import (
	"fmt"
	"os"

	"github.com/brayalter/vmwatch/internal/config"
	"github.com/brayalter/vmwatch/internal/restart"
	"github.com/brayalter/vmwatch/internal/vmrun"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/brayalter/vmwatch/pkg/metrics"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/brayalter/vmwatch/pkg/tracing"
	"github.com/spf13/cobra"
)

// app holds the collaborators every command builds from configuration
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	client   *vmrun.Client
	executor *restart.Executor
	history  store.Store
	tracer   *tracing.Provider
}

type appOptions struct {
	tracing bool
	// stderrLogs keeps stdout free for command output
	stderrLogs bool
}

func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	if opts.stderrLogs && cfg.LogFile == "" {
		logger.SetOutput(os.Stderr)
	}

	vmrunPath, err := vmrun.Locate(cfg.VMRunPath)
	if err != nil {
		logger.Close()
		return nil, err
	}
	logger.Debug("Using vmrun", map[string]interface{}{"path": vmrunPath})

	runner := &vmrun.ExecRunner{Path: vmrunPath, Timeout: cfg.VMRunTimeout, Logger: logger}
	client := vmrun.New(runner, cfg.VMRun(), logger)

	history, err := store.Open(cfg.Store())
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open restart history: %w", err)
	}

	var tracer *tracing.Provider
	if opts.tracing {
		tracer, err = tracing.InitTracer(cmd.Context(), cfg.Tracing(Version), logger)
		if err != nil {
			history.Close()
			logger.Close()
			return nil, err
		}
	}

	m := metrics.New()
	executor := restart.NewExecutor(client, cfg.Policy(), restart.Options{
		Logger:  logger,
		Metrics: m,
		Tracer:  tracer,
		Probe:   vmrun.NewProcessProbe(),
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		client:   client,
		executor: executor,
		history:  history,
		tracer:   tracer,
	}, nil
}

func (a *app) Close() error {
	err := a.history.Close()
	a.logger.Close()
	return err
}
