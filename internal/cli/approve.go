package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/client"
)

var (
	approveApprover string
	approveReason   string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveApprover, "approver", "", "Approver id (required)")
	approveCmd.Flags().StringVar(&approveReason, "reason", "", "Reason recorded with the decision")
	approveCmd.MarkFlagRequired("approver")
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending tool call",
	Long:  "Records an approval decision. Exactly one decision is accepted per request; a request that was already decided, expired, or cancelled rejects this one.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	if err := c.Approve(cmd.Context(), args[0], approveApprover, approveReason); err != nil {
		return err
	}
	fmt.Printf("approved %s\n", args[0])
	return nil
}
