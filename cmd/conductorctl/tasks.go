package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
)

var (
	taskPriority string
	taskSchedule bool
	failReason   string
	msgLimit     int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduler tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t scheduler.Task
		spec := scheduler.TaskSpec{Name: args[0], Priority: scheduler.Priority(taskPriority), AutoSchedule: taskSchedule}
		if err := call(http.MethodPost, "/api/tasks", spec, &t); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("task %s added (%s, weight %.0f)", t.ID, statusColor(string(t.Status)), t.Weight), color.FgGreen)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ready tasks by weight",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/tasks"
		if all, _ := cmd.Flags().GetBool("all"); all {
			path = "/api/tasks/all"
		}
		var tasks []scheduler.Task
		if err := call(http.MethodGet, path, nil, &tasks); err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		for _, t := range tasks {
			fmt.Printf("%-36s  %-10s  %6.1f  %-10s  %s\n", t.ID, t.Priority, t.Weight, statusColor(string(t.Status)), t.Name)
		}
		return nil
	},
}

// taskTransition builds a subcommand that posts to /api/tasks/{id}/<action>.
func taskTransition(action, short string, body func() any) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t scheduler.Task
			var payload any
			if body != nil {
				payload = body()
			}
			if err := call(http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/"+action, payload, &t); err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", t.ID, statusColor(string(t.Status)))
			return nil
		},
	}
}

var contextCmd = &cobra.Command{
	Use:   "context [key=value...]",
	Short: "Show or update the scheduling context",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			var ctx scheduler.SchedulingContext
			if err := call(http.MethodGet, "/api/context", nil, &ctx); err != nil {
				return err
			}
			for k, v := range ctx {
				fmt.Printf("%s = %v\n", k, v)
			}
			return nil
		}
		update := scheduler.SchedulingContext{}
		for _, kv := range args {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("expected key=value, got %q", kv)
			}
			update[k] = parseScalar(v)
		}
		var change scheduler.ContextChange
		if err := call(http.MethodPost, "/api/context", update, &change); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("context v%d: %d task(s) reweighed, patterns %v", change.Version, change.Reweighed, change.Matched), color.FgGreen)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages [conversation]",
	Short: "Show bus history of a conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := bus.DefaultConversation
		if len(args) == 1 {
			conv = args[0]
		}
		var msgs []bus.Message
		path := "/api/messages?conversation=" + url.QueryEscape(conv) + "&limit=" + strconv.Itoa(msgLimit)
		if err := call(http.MethodGet, path, nil, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			to := m.RecipientID
			if to == "" {
				to = "*"
			}
			fmt.Printf("%s  %-12s  %s -> %s  %v\n", m.Timestamp.Format("15:04:05.000"), m.Type, m.SenderID, to, m.Content)
		}
		return nil
	},
}

// parseScalar turns CLI values into the bool, number or string the
// scheduler's operators compare against.
func parseScalar(v string) any {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func init() {
	taskAddCmd.Flags().StringVarP(&taskPriority, "priority", "p", "medium", "critical|high|medium|low|background")
	taskAddCmd.Flags().BoolVar(&taskSchedule, "schedule", true, "Schedule immediately")
	taskListCmd.Flags().Bool("all", false, "Include tasks in every status")
	messagesCmd.Flags().IntVarP(&msgLimit, "limit", "n", 50, "Most recent messages to show")

	failCmd := taskTransition("fail", "Mark a running task failed", func() any {
		return map[string]string{"reason": failReason}
	})
	failCmd.Flags().StringVar(&failReason, "reason", "", "Failure reason")

	priorityCmd := &cobra.Command{
		Use:   "priority <id> <level>",
		Short: "Change a task's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t scheduler.Task
			if err := call(http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/priority", map[string]string{"priority": args[1]}, &t); err != nil {
				return err
			}
			fmt.Printf("%s  %s  weight %.1f\n", t.ID, t.Priority, t.Weight)
			return nil
		},
	}

	taskCmd.AddCommand(taskAddCmd, taskListCmd, priorityCmd, failCmd,
		taskTransition("schedule", "Schedule a pending task", nil),
		taskTransition("running", "Mark a scheduled task running", nil),
		taskTransition("complete", "Mark a running task completed", nil),
		taskTransition("cancel", "Cancel a task", nil),
	)
}
