package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "conductorctl",
	Short: "Command-line client for the conductor REST API",
	Long: `conductorctl talks to a running conductor server.

It manages scheduler tasks and context, reads bus conversations, negotiates
contracts and starts or inspects workflow runs.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	def := os.Getenv("CONDUCTOR_URL")
	if def == "" {
		def = "http://localhost:3210"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", def, "Conductor base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(contractCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(runCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the server is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := call(http.MethodGet, "/api/health", nil, &out); err != nil {
			printStatus("✗", "conductor unreachable at "+serverURL, color.FgRed)
			return err
		}
		printStatus("✓", fmt.Sprintf("conductor ok (%v tasks, %v workflows)", out["tasks"], out["workflows"]), color.FgGreen)
		return nil
	},
}

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// call sends body as JSON and decodes the response into out. Error
// responses come back as {"error": "..."}.
func call(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if jsonOutput && len(data) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			fmt.Println(pretty.String())
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// statusColor colors lifecycle states the same way across commands.
func statusColor(status string) string {
	switch status {
	case "completed", "active", "ok":
		return color.GreenString(status)
	case "failed", "terminated", "expired":
		return color.RedString(status)
	case "canceled":
		return color.YellowString(status)
	case "running", "scheduled", "offered":
		return color.CyanString(status)
	default:
		return status
	}
}

// parseJSONArg accepts inline JSON or @file.
func parseJSONArg(arg string, v any) error {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		data = b
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}
