// Package cmd implements the vmwatch command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/brayalter/vmwatch/internal/config"
	"github.com/brayalter/vmwatch/pkg/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile      string
	logLevel     string
	dryRun       bool
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vmwatch",
	Short: "Restart VMware machines that report resource exhaustion",
	Long: `vmwatch watches the powered-on machines of a VMware Workstation host and
restarts any guest whose event log reports resource exhaustion (Event ID 2004)
within the configured threshold.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want table or json)", outputFormat)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./vmwatch.yaml, then $HOME/.vmwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: DEBUG, INFO, WARNING, ERROR, CRITICAL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log restarts instead of performing them")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// loadConfig reads the configuration and applies the global flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	changed := false
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = strings.ToUpper(logLevel)
		changed = true
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = dryRun
		changed = true
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger. A log file gets every line that
// stdout does.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	jsonFormat := cfg.LogFormat == "json"
	if cfg.LogFile == "" {
		return logging.NewLogger(cfg.LogLevelValue(), jsonFormat), nil
	}
	return logging.NewFileLogger(cfg.LogFile, cfg.LogLevelValue(), jsonFormat)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
