package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/brayalter/vmwatch/internal/monitor"
	"github.com/brayalter/vmwatch/pkg/api"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var checkShowMetrics bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single monitoring cycle",
	Long: `Check runs one cycle over every powered-on machine, restarting any machine
that qualifies, and prints what it found.

Example:
  vmwatch check --dry-run
  vmwatch check --output json
  vmwatch check --metrics`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkShowMetrics, "metrics", false, "print the cycle's metrics after the results")
}

type checkRow struct {
	Machine   string `json:"machine"`
	Path      string `json:"path"`
	Signal    bool   `json:"signal"`
	Events    int    `json:"events"`
	EventAge  string `json:"event_age,omitempty"`
	Decision  string `json:"decision"`
	Restart   string `json:"restart,omitempty"`
	Simulated bool   `json:"simulated,omitempty"`
	Error     string `json:"error,omitempty"`
}

func checkRows(report *monitor.CycleReport) []checkRow {
	rows := make([]checkRow, 0, len(report.Results))
	for _, res := range report.Results {
		row := checkRow{
			Machine:  res.Machine.Name,
			Path:     res.Machine.ID,
			Decision: res.Decision.String(),
		}
		if obs := res.Observation; obs != nil {
			row.Signal = obs.SignalPresent
			row.Events = obs.EventCount
			if age, ok := obs.Age(); ok {
				row.EventAge = age.Round(time.Second).String()
			}
		}
		if res.Restart != nil {
			row.Restart = string(res.Restart.State)
			row.Simulated = res.Restart.Simulated
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{stderrLogs: true})
	if err != nil {
		return err
	}
	defer a.Close()

	mon := monitor.New(a.cfg.Monitor(), a.client, a.client, a.executor, monitor.Options{
		Logger:  a.logger,
		Metrics: a.metrics,
		History: a.history,
	})
	report, cycleErr := mon.RunCycle(cmd.Context())

	if IsJSONOutput() {
		if err := printJSON(map[string]interface{}{
			"cycle":    api.Summarize(report),
			"machines": checkRows(report),
		}); err != nil {
			return err
		}
	} else if cycleErr == nil {
		printCheckTable(report)
	}

	if checkShowMetrics {
		fmt.Println()
		if err := a.metrics.Dump(os.Stdout); err != nil {
			return err
		}
	}
	return cycleErr
}

func printCheckTable(report *monitor.CycleReport) {
	rows := checkRows(report)
	if len(rows) == 0 {
		fmt.Println("No powered-on machines")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Machine", "Signal", "Events", "Age", "Decision", "Restart")
	for _, row := range rows {
		signal := "No"
		if row.Signal {
			signal = "Yes"
		}
		if row.Error != "" {
			signal = "Error"
		}
		restart := row.Restart
		if row.Simulated {
			restart += " (dry run)"
		}
		table.Append(
			row.Machine,
			signal,
			fmt.Sprintf("%d", row.Events),
			row.EventAge,
			row.Decision,
			restart,
		)
	}
	table.Render()

	total, failed := report.Restarts()
	fmt.Printf("\nMachines: %d  Detections: %d  Restarts: %d  Failed: %d  Took: %s\n",
		len(rows), report.Detections(), total, failed, report.Duration().Round(time.Millisecond))
}
