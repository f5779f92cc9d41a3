package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brayalter/vmwatch/internal/restart"
	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart <vmx-path>",
	Short: "Restart one machine now",
	Long: `Restart stops the machine, waits for its lock files to clear and starts it
again, retrying the start while the machine is still locked. No event check is
made first.

Example:
  vmwatch restart "C:\VMs\web01\web01.vmx"
  vmwatch restart --dry-run /vmfs/web01/web01.vmx`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{stderrLogs: true})
	if err != nil {
		return err
	}
	defer a.Close()

	machine := models.NewMachine(args[0])
	result, err := a.executor.Restart(cmd.Context(), machine)
	if err != nil {
		if errors.Is(err, restart.ErrRestartInProgress) {
			return fmt.Errorf("%s is already being restarted", machine)
		}
		return err
	}

	rec := result.Record()
	if err := a.history.RecordRestart(rec); err != nil {
		a.logger.Warn("Failed to record restart", map[string]interface{}{"error": err.Error()})
	}

	if IsJSONOutput() {
		if err := printJSON(map[string]interface{}{
			"restart":      rec,
			"attempts":     result.Attempts,
			"state_path":   result.Path,
			"duration_sec": result.Duration().Seconds(),
		}); err != nil {
			return err
		}
	} else {
		printRestartResult(result)
	}

	if result.Err != nil {
		return result.Err
	}
	return nil
}

func printRestartResult(result *restart.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Machine", result.Machine.Name})
	table.Append([]string{"Path", result.Machine.ID})
	table.Append([]string{"Operation", result.OperationID})
	state := string(result.State)
	if result.Simulated {
		state += " (dry run)"
	}
	table.Append([]string{"State", state})
	table.Append([]string{"Start attempts", fmt.Sprintf("%d", len(result.Attempts))})
	table.Append([]string{"Duration", result.Duration().Round(time.Millisecond).String()})
	if result.Err != nil {
		table.Append([]string{"Error", result.Err.Error()})
	}
	table.Render()
}
