package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/alert"
	"github.com/wardenhq/warden/internal/sandbox"
)

// Mode is a tenant's autonomy mode: how much the gateway trusts the tenant's
// agents to act without a human in the loop.
type Mode string

const (
	// ModeAdvisory assesses and logs but never gates or denies.
	ModeAdvisory Mode = "advisory"
	// ModeGuarded routes high and critical requests through approval.
	ModeGuarded Mode = "guarded"
	// ModeLocked routes high through approval and denies critical outright.
	ModeLocked Mode = "locked"
)

// Config is the gateway service configuration.
type Config struct {
	Listen        string          `yaml:"listen"`
	DBPath        string          `yaml:"db_path"`
	AuditDir      string          `yaml:"audit_dir"`
	PolicyPath    string          `yaml:"policy_path"`
	RegistryPath  string          `yaml:"registry_path"`
	WorkDir       string          `yaml:"work_dir"`
	ApprovalTTL   time.Duration   `yaml:"approval_ttl"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	RetentionAge  time.Duration   `yaml:"retention_age"`
	DefaultMode   Mode            `yaml:"default_mode"`
	TenantModes   map[string]Mode `yaml:"tenant_modes"`
	Sandbox       sandbox.Config  `yaml:"sandbox"`
	Alerts        []alert.Config  `yaml:"alerts"`
}

// DefaultConfig returns the built-in service configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:7430",
		DBPath:        "warden.db",
		AuditDir:      "audit",
		ApprovalTTL:   15 * time.Minute,
		SweepInterval: 30 * time.Second,
		RetentionAge:  90 * 24 * time.Hour,
		DefaultMode:   ModeGuarded,
	}
}

// LoadConfig loads service configuration from a YAML file. Missing file
// returns defaults; present file overlays only the fields it sets.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for tenant, m := range c.TenantModes {
		if !m.valid() {
			return fmt.Errorf("gateway config: tenant %q has unknown mode %q", tenant, m)
		}
	}
	if !c.DefaultMode.valid() {
		return fmt.Errorf("gateway config: unknown default mode %q", c.DefaultMode)
	}
	return nil
}

func (m Mode) valid() bool {
	switch m {
	case ModeAdvisory, ModeGuarded, ModeLocked:
		return true
	}
	return false
}

// ModeFor returns the autonomy mode for a tenant.
func (c *Config) ModeFor(tenant string) Mode {
	if m, ok := c.TenantModes[tenant]; ok {
		return m
	}
	return c.DefaultMode
}
