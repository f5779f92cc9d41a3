package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/brayalter/vmwatch/pkg/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [machine]",
	Short: "Show recorded restarts",
	Long: `History lists restarts recorded in the configured history store, newest
first. The machine may be given by .vmx path or by name.

The memory driver keeps nothing between runs; configure history_driver sqlite
or postgres to keep history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of restarts to show (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	history, err := store.Open(cfg.Store())
	if err != nil {
		return fmt.Errorf("failed to open restart history: %w", err)
	}
	defer history.Close()

	var machine string
	if len(args) == 1 {
		machine = args[0]
	}
	records, err := listHistory(history, machine, historyLimit)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(map[string]interface{}{
			"restarts": records,
			"count":    len(records),
		})
	}

	if len(records) == 0 {
		fmt.Println("No restarts recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Started", "Machine", "State", "Attempts", "Duration", "Error")
	for _, rec := range records {
		state := string(rec.State)
		if rec.Simulated {
			state += " (dry run)"
		}
		table.Append(
			rec.StartedAt.Local().Format(time.DateTime),
			rec.MachineName,
			state,
			fmt.Sprintf("%d", rec.Attempts),
			rec.Duration().Round(time.Second).String(),
			rec.Error,
		)
	}
	table.Render()
	return nil
}

// listHistory resolves machine as a .vmx path, falling back to matching by
// name when it does not look like one
func listHistory(history store.Store, machine string, limit int) ([]*models.RestartRecord, error) {
	if machine == "" || strings.HasSuffix(strings.ToLower(machine), ".vmx") {
		records, err := history.ListRestarts(machine, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list restarts: %w", err)
		}
		return records, nil
	}

	all, err := history.ListRestarts("", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list restarts: %w", err)
	}
	records := make([]*models.RestartRecord, 0)
	for _, rec := range all {
		if !strings.EqualFold(rec.MachineName, machine) {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}
