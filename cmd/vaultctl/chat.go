package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var sessionID string
	var documentPath string

	cmd := &cobra.Command{
		Use:   "chat <agentPath>",
		Short: "Interactive chat with an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(args[0], sessionID, documentPath)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "client session id")
	cmd.Flags().StringVar(&documentPath, "document", "", "target document path")
	return cmd
}

func runChat(agentPath, sessionID, documentPath string) error {
	api := newAPIClient()
	rl, err := readline.New("> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))

	fmt.Printf("chatting with %s (session %s), /quit to exit\n", agentPath, sessionID)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		message := strings.TrimSpace(line)
		if message == "" {
			continue
		}
		if message == "/quit" || message == "/exit" {
			return nil
		}

		body := map[string]any{
			"agentPath": agentPath,
			"sessionId": sessionID,
			"message":   message,
		}
		if documentPath != "" {
			body["documentPath"] = documentPath
		}

		// Stream deltas as they arrive; re-render the final text as markdown.
		final := ""
		err = api.stream("POST", "/api/chat/stream", body, func(ev map[string]any) bool {
			switch ev["type"] {
			case "text":
				if delta, ok := ev["delta"].(string); ok {
					fmt.Print(delta)
				}
			case "tool_use":
				name, _ := ev["name"].(string)
				fmt.Printf("\n[tool: %s]\n", name)
			case "done":
				if result, ok := ev["result"].(map[string]any); ok {
					if text, ok := result["response"].(string); ok {
						final = text
					}
				}
				return false
			case "error":
				fmt.Printf("\nerror: %v\n", ev["error"])
				return false
			}
			return true
		})
		fmt.Println()
		if err != nil {
			fmt.Println("stream error:", err)
			continue
		}
		if final != "" && renderer != nil {
			if rendered, rerr := renderer.Render(final); rerr == nil {
				fmt.Print(rendered)
			}
		}
	}
}
