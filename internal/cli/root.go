package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Risk-gated execution gateway for AI agent tool calls",
	Long:  "Assesses every tool call an agent wants to make, routes risky ones through human approval, runs approved work in a sandbox, and keeps a tamper-evident audit trail per tenant.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7430", "Base URL of a running warden server")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
