package cmd

import (
	"fmt"
	"os"

	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List powered-on machines",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, appOptions{stderrLogs: true})
	if err != nil {
		return err
	}
	defer a.Close()

	machines, err := a.client.ListPoweredOn(cmd.Context())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if machines == nil {
			machines = []models.Machine{}
		}
		return printJSON(map[string]interface{}{
			"machines": machines,
			"count":    len(machines),
		})
	}

	if len(machines) == 0 {
		fmt.Println("No powered-on machines")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Path")
	for _, m := range machines {
		table.Append(m.Name, m.ID)
	}
	table.Render()
	fmt.Printf("\nTotal machines: %d\n", len(machines))
	return nil
}
