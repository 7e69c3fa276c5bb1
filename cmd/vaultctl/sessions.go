package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type sessionEntry struct {
	ID           string `json:"id"`
	AgentPath    string `json:"agentPath"`
	AgentName    string `json:"agentName"`
	Title        string `json:"title"`
	LastAccessed string `json:"lastAccessed"`
	MessageCount int    `json:"messageCount"`
	Archived     bool   `json:"archived"`
}

func newSessionsCmd() *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient()
			path := "/api/chat/sessions"
			if archived {
				path += "?archived=true"
			}
			var out struct {
				Sessions []sessionEntry `json:"sessions"`
				Total    int            `json:"total"`
			}
			if err := api.do("GET", path, nil, &out); err != nil {
				return err
			}
			fmt.Println(headerStyle.Render(fmt.Sprintf("%d sessions", out.Total)))
			for _, s := range out.Sessions {
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s  %s  %s\n", s.ID, title, dimStyle.Render(
					fmt.Sprintf("%s · %d messages · %s", s.AgentName, s.MessageCount, s.LastAccessed)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived sessions")
	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session operations",
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Render a full session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient()
			var sess struct {
				AgentName string `json:"agentName"`
				Title     string `json:"title"`
				Messages  []struct {
					Role      string `json:"role"`
					Content   string `json:"content"`
					Timestamp string `json:"timestamp"`
				} `json:"messages"`
			}
			if err := api.do("GET", "/api/chat/session/"+args[0], nil, &sess); err != nil {
				return err
			}
			var b strings.Builder
			title := sess.Title
			if title == "" {
				title = sess.AgentName
			}
			fmt.Fprintf(&b, "# %s\n\n", title)
			for _, m := range sess.Messages {
				fmt.Fprintf(&b, "### %s\n\n%s\n\n", roleTitle(m.Role), m.Content)
			}
			renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				fmt.Print(b.String())
				return nil
			}
			rendered, err := renderer.Render(b.String())
			if err != nil {
				fmt.Print(b.String())
				return nil
			}
			fmt.Print(rendered)
			return nil
		},
	}

	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().do("POST", "/api/chat/session/"+args[0]+"/archive", nil, nil)
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().do("DELETE", "/api/chat/session/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(show, archive, del)
	return cmd
}

func roleTitle(role string) string {
	switch strings.ToLower(role) {
	case "assistant":
		return "Assistant"
	case "system":
		return "System"
	default:
		return "User"
	}
}
