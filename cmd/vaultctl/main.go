package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

func main() {
	root := &cobra.Command{
		Use:   "vaultctl",
		Short: "Thin CLI client for the vaultagent server",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:3333", "server base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("VAULTAGENT_API_KEY"), "API key (X-API-Key)")

	root.AddCommand(newChatCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newSessionCmd())
	root.AddCommand(newQueueCmd())
	root.AddCommand(newSpawnCmd())
	root.AddCommand(newPermissionsCmd())
	root.AddCommand(newTriggersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
