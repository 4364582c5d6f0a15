package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

var (
	runInput string
	runWait  bool
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Register and list workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create <spec.json | @file>",
	Short: "Register a workflow from a JSON spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var spec workflow.Spec
		if err := parseJSONArg(args[0], &spec); err != nil {
			return err
		}
		var sum workflow.Summary
		if err := call(http.MethodPost, "/api/workflows", spec, &sum); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("workflow %s v%s registered (%d steps)", sum.Name, sum.Version, len(sum.Steps)), color.FgGreen)
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []workflow.Summary
		if err := call(http.MethodGet, "/api/workflows", nil, &list); err != nil {
			return err
		}
		for _, s := range list {
			fmt.Printf("%-24s  v%-8s  start %-12s  %d steps\n", s.Name, s.Version, s.StartAt, len(s.Steps))
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and inspect workflow runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start <workflow>",
	Short: "Start a run of the named workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var input any
		if runInput != "" {
			if err := parseJSONArg(runInput, &input); err != nil {
				// Plain text input.
				input = runInput
			}
		}
		body := map[string]any{"input": input, "wait": runWait}
		path := "/api/workflows/" + url.PathEscape(args[0]) + "/runs"
		if !runWait {
			var out map[string]string
			if err := call(http.MethodPost, path, body, &out); err != nil {
				return err
			}
			printStatus("→", "run "+out["run_id"]+" started", color.FgCyan)
			return nil
		}
		var st workflow.ExecutionState
		if err := call(http.MethodPost, path, body, &st); err != nil {
			return err
		}
		printRun(&st)
		return nil
	},
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st workflow.ExecutionState
		if err := call(http.MethodGet, "/api/runs/"+url.PathEscape(args[0]), nil, &st); err != nil {
			return err
		}
		printRun(&st)
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodPost, "/api/runs/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
			return err
		}
		printStatus("✓", "cancel requested", color.FgYellow)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs held by the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var runs []workflow.ExecutionState
		if err := call(http.MethodGet, "/api/runs", nil, &runs); err != nil {
			return err
		}
		for _, st := range runs {
			fmt.Printf("%s  %-20s  %-10s  %s\n", st.RunID, st.WorkflowName, statusColor(string(st.Status)), st.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func printRun(st *workflow.ExecutionState) {
	fmt.Printf("Run %s (%s v%s): %s\n", st.RunID, st.WorkflowName, st.Version, statusColor(string(st.Status)))
	for _, s := range st.Steps {
		line := fmt.Sprintf("  %-16s #%d  %-10s  agent %-12s  attempts %d", s.StepID, s.Visit, statusColor(string(s.Status)), s.AgentID, s.Attempts)
		if s.Error != "" {
			line += "  " + color.RedString(s.Error)
		}
		fmt.Println(line)
	}
	if st.Error != "" {
		fmt.Println(color.RedString("  error: " + st.Error))
	}
	for id, out := range st.Outputs {
		fmt.Printf("  output[%s] = %v\n", id, out)
	}
}

func init() {
	runStartCmd.Flags().StringVarP(&runInput, "input", "i", "", "Run input as JSON, @file or plain text")
	runStartCmd.Flags().BoolVarP(&runWait, "wait", "w", false, "Block until the run ends")

	workflowCmd.AddCommand(workflowCreateCmd, workflowListCmd)
	runCmd.AddCommand(runStartCmd, runGetCmd, runCancelCmd, runListCmd)
}
