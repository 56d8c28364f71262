package cli

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/client"
)

var (
	auditTenant  string
	auditFormat  string
	auditRequest string

	cleanupAuditDir string
	cleanupDBPath   string
	cleanupMaxAge   time.Duration
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditExportCmd, auditTimelineCmd, auditCleanupCmd)

	auditCmd.PersistentFlags().StringVar(&auditTenant, "tenant", "", "Tenant (partition) to operate on (required)")
	auditCmd.MarkPersistentFlagRequired("tenant")

	auditExportCmd.Flags().StringVar(&auditFormat, "format", audit.FormatJSON, "Export format: json, csv, or compliance")
	auditTimelineCmd.Flags().StringVar(&auditRequest, "request", "", "Limit the timeline to one request id")

	auditCleanupCmd.Flags().StringVar(&cleanupAuditDir, "audit-dir", "audit", "Audit ledger directory")
	auditCleanupCmd.Flags().StringVar(&cleanupDBPath, "db", "warden.db", "Approval database path")
	auditCleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 90*24*time.Hour, "Remove terminal events older than this")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a tenant's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client.New(serverURL).Verify(cmd.Context(), auditTenant)
		if err != nil {
			return err
		}
		if res.Valid {
			fmt.Printf("chain valid: %d events\n", res.Events)
			return nil
		}
		fmt.Printf("CHAIN BROKEN at event %d of %d: %s\n", res.BrokenAt, res.Events, res.Reason)
		fmt.Println("partition halted; further appends are rejected")
		os.Exit(1)
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.New(serverURL).Export(cmd.Context(), auditTenant, auditFormat)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

var auditTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Print a human-readable event timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.New(serverURL).Export(cmd.Context(), auditTenant, audit.FormatJSON)
		if err != nil {
			return err
		}
		events, err := audit.ImportJSON(bytes.NewReader(data))
		if err != nil {
			return err
		}
		fmt.Print(audit.Timeline(auditTenant, events, auditRequest))
		return nil
	},
}

// auditCleanupCmd operates on local files directly: retention is an
// operator maintenance task run on the host holding the ledger, and it
// needs the approval database to confirm workflows are terminal.
var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old terminal events from a tenant's partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, err := audit.Open(cleanupAuditDir)
		if err != nil {
			return err
		}
		defer ledger.Close()

		store, err := approval.OpenStore(cleanupDBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		removed, err := ledger.Cleanup(auditTenant, cleanupMaxAge, func(requestID string) bool {
			return store.IsTerminal(cmd.Context(), requestID)
		})
		if err != nil {
			return err
		}
		fmt.Printf("removed %d events from %s\n", removed, auditTenant)
		return nil
	},
}
