package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/client"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List tool calls awaiting approval",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	pending, err := client.New(serverURL).Pending(cmd.Context())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tTENANT\tTOOL\tLEVEL\tEXPIRES\tSUMMARY")
	for _, r := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RequestID, r.TenantID, r.Tool, r.RiskLevel,
			time.Until(r.ExpiresAt).Round(time.Second), oneLine(r.Summary, 60))
	}
	return w.Flush()
}

func oneLine(s string, max int) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '\n' || c == '\r' || c == '\t' {
			c = ' '
		}
		out = append(out, c)
	}
	if len(out) > max {
		out = append(out[:max-1], '…')
	}
	return string(out)
}
