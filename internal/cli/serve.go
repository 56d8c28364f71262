package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/risk"
	"github.com/wardenhq/warden/internal/sandbox"
	"github.com/wardenhq/warden/internal/server"
)

var (
	serveConfig   string
	serveListen   string
	servePolicy   string
	serveRegistry string
	serveDebug    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to gateway config YAML")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to risk policy YAML (overrides config)")
	serveCmd.Flags().StringVar(&serveRegistry, "registry", "", "Path to tool registry YAML (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long:  "Runs the full pipeline behind an HTTP API: risk assessment, approval gating, sandboxed execution, and audit. The risk policy file hot-reloads on change.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := buildLogger(serveDebug)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := gateway.LoadConfig(serveConfig)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if servePolicy != "" {
		cfg.PolicyPath = servePolicy
	}
	if serveRegistry != "" {
		cfg.RegistryPath = serveRegistry
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}
	riskCfg, policyHash, err := risk.LoadConfigWithHash(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load risk policy: %w", err)
	}

	store, err := approval.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := audit.Open(cfg.AuditDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	gate := approval.NewGate(store, ledger, cfg.ApprovalTTL, log)
	exec := sandbox.NewExecutor(cfg.WorkDir, log)
	orch := gateway.New(cfg, reg, risk.NewAssessor(riskCfg, reg), policyHash, gate, exec, ledger, log)
	srv := server.New(cfg.Listen, orch, gate, ledger, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gate.RunSweeper(ctx, cfg.SweepInterval)

	reloader, err := server.NewReloader([]string{cfg.PolicyPath}, func() error {
		riskCfg, hash, err := risk.LoadConfigWithHash(cfg.PolicyPath)
		if err != nil {
			return err
		}
		orch.SetPolicy(risk.NewAssessor(riskCfg, reg), hash)
		return nil
	}, log)
	if err != nil {
		log.Warn("hot-reload disabled", zap.Error(err))
	} else {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("warden gateway starting",
		zap.String("listen", cfg.Listen),
		zap.String("policy_hash", policyHash),
		zap.String("default_mode", string(cfg.DefaultMode)))
	return srv.Serve()
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
