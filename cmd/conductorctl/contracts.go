package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-conductor/internal/contract"
)

var (
	offerTTL         string
	rejectReason     string
	reportStatus     string
	reportCompletion float64
	terminateReason  string
	contractStatus   string
)

var contractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Negotiate and track contracts",
}

var contractCreateCmd = &cobra.Command{
	Use:   "create <task-id> <agent>...",
	Short: "Create a contract between agents for a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := contract.Spec{TaskID: args[0]}
		for _, a := range args[1:] {
			spec.Participants = append(spec.Participants, contract.Participant{AgentID: a})
		}
		var c contract.Contract
		if err := call(http.MethodPost, "/api/contracts", spec, &c); err != nil {
			return err
		}
		printStatus("✓", "contract "+c.ID+" created", color.FgGreen)
		return nil
	},
}

var contractOfferCmd = &cobra.Command{
	Use:   "offer <id>",
	Short: "Send an offer to every participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var o contract.Offer
		if err := call(http.MethodPost, contractPath(args[0], "offers"), map[string]string{"ttl": offerTTL}, &o); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("offer %s sent to %s, expires %s", o.ID, strings.Join(o.Participants, ", "), o.ExpiresAt.Format("2006-01-02 15:04")), color.FgGreen)
		return nil
	},
}

var contractAcceptCmd = &cobra.Command{
	Use:   "accept <id> <agent>",
	Short: "Record an acceptance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractAction(args[0], "accept", contract.Acceptance{AgentID: args[1]})
	},
}

var contractRejectCmd = &cobra.Command{
	Use:   "reject <id> <agent>",
	Short: "Record a rejection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractAction(args[0], "reject", contract.Rejection{AgentID: args[1], Reason: rejectReason})
	},
}

var contractReportCmd = &cobra.Command{
	Use:   "report <id> <agent>",
	Short: "Submit a performance report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractAction(args[0], "reports", contract.PerformanceReport{
			AgentID:    args[1],
			Status:     reportStatus,
			Completion: reportCompletion,
		})
	},
}

var contractCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Complete an active contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractAction(args[0], "complete", nil)
	},
}

var contractTerminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "Terminate an active contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractAction(args[0], "terminate", map[string]string{"reason": terminateReason})
	},
}

var contractListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contracts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []contract.Contract
		if err := call(http.MethodGet, "/api/contracts?status="+url.QueryEscape(contractStatus), nil, &list); err != nil {
			return err
		}
		for _, c := range list {
			risk := ""
			if c.HighRisk {
				risk = color.RedString(" HIGH RISK")
			}
			fmt.Printf("%s  %-10s  task %s  %d/%d signed%s\n", c.ID, statusColor(string(c.Status)), c.TaskID, len(c.Signatures), len(c.Participants), risk)
		}
		return nil
	},
}

func contractPath(id, action string) string {
	return "/api/contracts/" + url.PathEscape(id) + "/" + action
}

func contractAction(id, action string, body any) error {
	var c contract.Contract
	if err := call(http.MethodPost, contractPath(id, action), body, &c); err != nil {
		return err
	}
	fmt.Printf("%s  %s  %d/%d signed\n", c.ID, statusColor(string(c.Status)), len(c.Signatures), len(c.Participants))
	return nil
}

func init() {
	contractOfferCmd.Flags().StringVar(&offerTTL, "ttl", "", "Offer lifetime, e.g. 2h (server default when empty)")
	contractRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Rejection reason")
	contractReportCmd.Flags().StringVar(&reportStatus, "status", contract.ReportOnTrack, "on_track|at_risk|failing")
	contractReportCmd.Flags().Float64Var(&reportCompletion, "completion", 0, "Completion percentage")
	contractTerminateCmd.Flags().StringVar(&terminateReason, "reason", "", "Termination reason")
	contractListCmd.Flags().StringVar(&contractStatus, "status", "", "Filter by status")

	contractCmd.AddCommand(contractCreateCmd, contractOfferCmd, contractAcceptCmd, contractRejectCmd,
		contractReportCmd, contractCompleteCmd, contractTerminateCmd, contractListCmd)
}
