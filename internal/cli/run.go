package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/client"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/model"
)

var (
	runTool      string
	runTenant    string
	runPrincipal string
	runArgs      string
	runWait      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTool, "tool", "shell", "Tool name")
	runCmd.Flags().StringVar(&runTenant, "tenant", "local", "Tenant id")
	runCmd.Flags().StringVar(&runPrincipal, "principal", "cli", "Principal id")
	runCmd.Flags().StringVar(&runArgs, "args", "", "Serialized JSON arguments")
	runCmd.Flags().BoolVar(&runWait, "wait", true, "Block on any required approval")
}

var runCmd = &cobra.Command{
	Use:   "run <code>",
	Short: "Submit a tool call to a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	if runWait {
		c = c.WithTimeout(0) // the call may block on a human
	}

	req := &model.ToolCallRequest{
		RequestID:   uuid.NewString(),
		TenantID:    runTenant,
		PrincipalID: runPrincipal,
		Tool:        runTool,
		Arguments:   runArgs,
		Code:        args[0],
	}

	out, err := c.Submit(cmd.Context(), req, model.Classification{Sanitized: true}, runWait)
	if err != nil {
		return err
	}

	switch out.Disposition {
	case gateway.DispositionExecuted:
		fmt.Printf("executed: %s (level=%s score=%.2f)\n", out.Result.Status, out.Assessment.Level, out.Assessment.Score)
		if out.Result.Stdout != "" {
			fmt.Println(out.Result.Stdout)
		}
		if out.Result.Stderr != "" {
			fmt.Fprintln(os.Stderr, out.Result.Stderr)
		}
		if out.Result.ExitCode != 0 {
			os.Exit(out.Result.ExitCode)
		}
	case gateway.DispositionPending:
		fmt.Printf("pending approval: %s (level=%s)\n", out.ApprovalID, out.Assessment.Level)
		fmt.Printf("decide with: warden approve %s --approver <you>\n", out.ApprovalID)
	case gateway.DispositionDenied:
		fmt.Printf("denied: %s (level=%s)\n", out.Reason, out.Assessment.Level)
		os.Exit(1)
	}
	return nil
}
