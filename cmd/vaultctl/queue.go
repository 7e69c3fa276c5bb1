package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type queueItem struct {
	ID        string `json:"id"`
	AgentPath string `json:"agentPath"`
	Priority  int    `json:"priority"`
	Depth     int    `json:"depth"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient()
			var snap struct {
				Pending   []queueItem `json:"pending"`
				Running   []queueItem `json:"running"`
				Completed []queueItem `json:"completed"`
			}
			if err := api.do("GET", "/api/queue", nil, &snap); err != nil {
				return err
			}
			printGroup := func(name string, items []queueItem) {
				fmt.Println(headerStyle.Render(fmt.Sprintf("%s (%d)", name, len(items))))
				for _, it := range items {
					line := fmt.Sprintf("  %s  %s  depth=%d", it.ID, it.AgentPath, it.Depth)
					if it.Error != "" {
						line += "  error=" + it.Error
					}
					fmt.Println(line)
				}
			}
			printGroup("pending", snap.Pending)
			printGroup("running", snap.Running)
			printGroup("completed", snap.Completed)
			return nil
		},
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Nudge the drain loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().do("POST", "/api/queue/process", nil, nil)
		},
	}
	watch := &cobra.Command{
		Use:   "watch <id>",
		Short: "Watch a running queue item live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueWatch(args[0])
		},
	}
	cmd.AddCommand(process, watch)
	return cmd
}

func newSpawnCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "spawn <agentPath> [message]",
		Short: "Enqueue an agent run",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"agentPath": args[0], "priority": priority}
			if len(args) > 1 {
				body["message"] = args[1]
			}
			var out struct {
				QueueID string `json:"queueId"`
			}
			if err := newAPIClient().do("POST", "/api/agents/spawn", body, &out); err != nil {
				return err
			}
			fmt.Println("queued:", out.QueueID)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "low | normal | high")
	return cmd
}

func newTriggersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Trigger operations",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Force one trigger pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Enqueued int `json:"enqueued"`
			}
			if err := newAPIClient().do("POST", "/api/triggers/check", nil, &out); err != nil {
				return err
			}
			fmt.Printf("enqueued %d items\n", out.Enqueued)
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func newPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Pending permission requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Pending []struct {
					ID      string `json:"id"`
					Tool    string `json:"tool"`
					Subject string `json:"subject"`
					Agent   string `json:"agentName"`
				} `json:"pending"`
			}
			if err := newAPIClient().do("GET", "/api/permissions", nil, &out); err != nil {
				return err
			}
			if len(out.Pending) == 0 {
				fmt.Println("no pending requests")
				return nil
			}
			for _, p := range out.Pending {
				fmt.Printf("%s  %s %s  (%s)\n", p.ID, p.Tool, p.Subject, p.Agent)
			}
			return nil
		},
	}
	grant := &cobra.Command{
		Use:   "grant <id>",
		Short: "Grant a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().do("POST", "/api/permissions/"+args[0]+"/grant", nil, nil)
		},
	}
	deny := &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().do("POST", "/api/permissions/"+args[0]+"/deny", nil, nil)
		},
	}
	cmd.AddCommand(grant, deny)
	return cmd
}
