package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/client"
)

var (
	denyApprover string
	denyReason   string
)

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&denyApprover, "approver", "", "Approver id (required)")
	denyCmd.Flags().StringVar(&denyReason, "reason", "", "Reason recorded with the decision")
	denyCmd.MarkFlagRequired("approver")
}

var denyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	if err := c.Deny(cmd.Context(), args[0], denyApprover, denyReason); err != nil {
		return err
	}
	fmt.Printf("denied %s\n", args[0])
	return nil
}
