package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/orchfs/pkg/gateway"
	"github.com/beam-cloud/orchfs/pkg/remote"
)

var (
	runInput     string
	runInputFile string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Start a workflow",
	Example: `  orchfs run deploy --input '{"env":"staging"}'
  orchfs run deploy --input-file input.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readRunInput()
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			exec, err := gw.FS.Manager().Run(ctx, args[0], input)
			if err != nil {
				return err
			}
			if PrintJSON(exec) {
				return nil
			}
			PrintSuccessf("started %s", CodeStyle.Render(args[0]))
			printExecution(exec)
			return nil
		})
	},
}

func readRunInput() (json.RawMessage, error) {
	raw := []byte(runInput)
	if runInputFile != "" {
		data, err := os.ReadFile(runInputFile)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("workflow input must be a JSON document")
	}
	return raw, nil
}

var lastRunCmd = &cobra.Command{
	Use:   "last-run <workflow>",
	Short: "Show the most recent run of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			exec, err := gw.FS.Manager().LastRun(ctx, args[0])
			if err != nil {
				return err
			}
			if PrintJSON(exec) {
				return nil
			}
			printExecution(exec)
			return nil
		})
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show one task of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			task, err := gw.FS.Manager().Task(ctx, args[0])
			if err != nil {
				return err
			}
			if PrintJSON(task) {
				return nil
			}

			fmt.Fprintln(stdout)
			PrintKeyValue("ID", task.ID)
			PrintKeyValue("Name", task.Name)
			PrintKeyValue("Status", statusStyle(task.Status))
			if task.Attempts > 0 {
				PrintKeyValue("Attempts", fmt.Sprintf("%d", task.Attempts))
			}
			if task.Error != "" {
				PrintKeyValue("Error", ErrorStyle.Render(task.Error))
			}
			if len(task.Output) > 0 {
				PrintKeyValue("Output", string(task.Output))
			}
			fmt.Fprintln(stdout)
			return nil
		})
	},
}

func statusStyle(status string) string {
	switch status {
	case "COMPLETED", "SUCCESS":
		return SuccessStyle.Render(status)
	case "FAILED", "ERROR", "CANCELLED":
		return ErrorStyle.Render(status)
	default:
		return WarningStyle.Render(status)
	}
}

func printExecution(exec *remote.Execution) {
	fmt.Fprintln(stdout)
	PrintKeyValue("ID", exec.ID)
	PrintKeyValue("Workflow", exec.WorkflowName)
	PrintKeyValue("Status", statusStyle(exec.Status))
	if exec.StartedAt != nil {
		PrintKeyValue("Started", FormatRelativeTime(*exec.StartedAt))
	}
	if len(exec.Output) > 0 {
		PrintKeyValue("Output", string(exec.Output))
	}

	if len(exec.Tasks) > 0 {
		fmt.Fprintln(stdout)
		table := NewTable("TASK", "ID", "STATUS")
		for _, t := range exec.Tasks {
			table.AddRow(t.Name, t.ID, t.Status)
		}
		table.Print()
	}
	fmt.Fprintln(stdout)
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Workflow input as JSON")
	runCmd.Flags().StringVarP(&runInputFile, "input-file", "f", "", "Read the workflow input from a JSON file")
	runCmd.MarkFlagsMutuallyExclusive("input", "input-file")

	rootCmd.AddCommand(runCmd, lastRunCmd, taskCmd)
}
