package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/risk"
)

var (
	checkPolicy    string
	checkRegistry  string
	checkTool      string
	checkTenant    string
	checkArgs      string
	checkSanitized bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to risk policy YAML")
	checkCmd.Flags().StringVar(&checkRegistry, "registry", "", "Path to tool registry YAML")
	checkCmd.Flags().StringVar(&checkTool, "tool", "shell", "Tool name")
	checkCmd.Flags().StringVar(&checkTenant, "tenant", "local", "Tenant id")
	checkCmd.Flags().StringVar(&checkArgs, "args", "", "Serialized JSON arguments")
	checkCmd.Flags().BoolVar(&checkSanitized, "sanitized", true, "Mark the payload as sanitized upstream")
}

var checkCmd = &cobra.Command{
	Use:   "check <code>",
	Short: "Assess a payload offline without executing it",
	Long:  "Runs the risk assessor against a payload and prints the assessment. Nothing is gated, executed, or audited.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	reg, err := registry.Load(checkRegistry)
	if err != nil {
		return err
	}
	cfg, hash, err := risk.LoadConfigWithHash(checkPolicy)
	if err != nil {
		return err
	}

	req := &model.ToolCallRequest{
		RequestID:   "check-local",
		TenantID:    checkTenant,
		PrincipalID: "cli",
		Tool:        checkTool,
		Arguments:   checkArgs,
		Code:        args[0],
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if err := reg.ValidateArgs(req.Tool, req.Arguments); err != nil {
		return fmt.Errorf("rejected: %w", err)
	}

	assessment := risk.NewAssessor(cfg, reg).Assess(req, model.Classification{Sanitized: checkSanitized})
	out, err := json.MarshalIndent(map[string]any{
		"assessment":  assessment,
		"policy_hash": hash,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
