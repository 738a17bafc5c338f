// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// cascade is the client CLI for the cascade daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL string
	authToken string
	asJSON    bool
)

func main() {
	root := &cobra.Command{
		Use:           "cascade",
		Short:         "Trigger and inspect cascade workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CASCADE_SERVER", "http://127.0.0.1:8420"), "Daemon address")
	root.PersistentFlags().StringVar(&authToken, "token", os.Getenv("CASCADE_TOKEN"), "Bearer token for the control-plane API")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Emit JSON instead of tables")

	root.AddCommand(
		newTriggerCommand(),
		newStatusCommand(),
		newListCommand(),
		newCancelCommand(),
		newActionCommand(),
		newStreamCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *apiClient {
	return newAPIClient(serverURL, authToken)
}

func newTriggerCommand() *cobra.Command {
	var triggerType string
	var eventJSON string

	cmd := &cobra.Command{
		Use:   "trigger <workflow-id>",
		Short: "Trigger a workflow run",
		Example: `  # Trigger with an event payload
  cascade trigger wf-digest --event '{"city":"London"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var event map[string]any
			if eventJSON != "" {
				if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
					return fmt.Errorf("invalid --event JSON: %w", err)
				}
			}
			created, err := client().trigger(cmd.Context(), args[0], triggerType, event)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(created)
			}
			fmt.Printf("Run %s %s\n", created.ID, created.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&triggerType, "type", "api", "Trigger type (api, interactive, schedule, hook, vision)")
	cmd.Flags().StringVar(&eventJSON, "event", "", "Trigger event as a JSON object")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's status, steps, and final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := client().getRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(r)
			}
			fmt.Printf("Run:      %s\n", r.ID)
			fmt.Printf("Workflow: %s\n", r.WorkflowID)
			fmt.Printf("Status:   %s\n", r.Status)
			if r.Error != nil {
				fmt.Printf("Error:    %s: %s\n", r.Error.Code, r.Error.Message)
			}
			if len(r.Steps) > 0 {
				fmt.Println("Steps:")
				for _, step := range r.Steps {
					line := fmt.Sprintf("  %-20s %-10s %dms", step.BlockID, step.Status, step.DurationMs)
					if step.Error != nil {
						line += " " + step.Error.Code
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	var workflowID, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := client().listRuns(cmd.Context(), workflowID, status, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(runs)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dms\n", r.ID, r.WorkflowID, r.Status, r.DurationMs)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Filter by workflow ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled, awaiting_action)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs to return")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Run %s %s\n", args[0], status)
			return nil
		},
	}
}

func newActionCommand() *cobra.Command {
	var actionType string
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "action <run-id>",
		Short: "Submit an action to a paused run",
		Example: `  # Answer a form pause
  cascade action run-123 --payload '{"formResult":{"name":"Ada"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}
			resumed, err := client().submitAction(cmd.Context(), args[0], actionType, payload)
			if err != nil {
				return err
			}
			fmt.Printf("Run %s %s\n", resumed.ID, resumed.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&actionType, "type", "form_submit", "Action type")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Action payload as a JSON object")
	return cmd
}

func newStreamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <run-id>",
		Short: "Follow a run's live event stream until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().stream(cmd.Context(), args[0], func(event, data string) {
				fmt.Printf("%s\t%s\n", event, data)
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cascade %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
