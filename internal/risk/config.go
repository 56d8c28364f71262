package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/model"
)

// Weights maps detected risk types to their score contributions.
// The final score is the clamped sum of contributions.
type Weights struct {
	CommandInjection float64 `yaml:"command_injection"`
	SQLInjection     float64 `yaml:"sql_injection"`
	PromptInjection  float64 `yaml:"prompt_injection"`
	Destructive      float64 `yaml:"destructive"`
	CredentialAccess float64 `yaml:"credential_access"`
	NetworkEgress    float64 `yaml:"network_egress"`
	UnknownTool      float64 `yaml:"unknown_tool"`
	DestructiveTier  float64 `yaml:"destructive_tier"`
	UnsanitizedInput float64 `yaml:"unsanitized_input"`
}

// Thresholds are the fixed score boundaries bucketing a score into a level.
// score < Medium → low, < High → medium, < Critical → high, else critical.
type Thresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Override pins a minimum risk level for a specific tool, regardless of score.
type Override struct {
	Tool     string `yaml:"tool"`
	MinLevel string `yaml:"min_level"`
}

// Config holds all tunable CARS parameters.
type Config struct {
	Weights    Weights    `yaml:"weights"`
	Thresholds Thresholds `yaml:"thresholds"`
	Overrides  []Override `yaml:"overrides"`
}

// DefaultConfig returns the built-in scoring parameters.
func DefaultConfig() *Config {
	return &Config{
		Weights: Weights{
			CommandInjection: 0.45,
			SQLInjection:     0.45,
			PromptInjection:  0.35,
			Destructive:      0.55,
			CredentialAccess: 0.40,
			NetworkEgress:    0.20,
			UnknownTool:      0.50,
			DestructiveTier:  0.30,
			UnsanitizedInput: 0.15,
		},
		Thresholds: Thresholds{
			Medium:   0.25,
			High:     0.50,
			Critical: 0.75,
		},
	}
}

// LoadConfig loads CARS configuration from a YAML file.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads CARS configuration and returns the SHA-256 of the
// raw file bytes, stamped into audit events so every decision is traceable to
// the exact policy that produced it. Defaults hash to SHA-256 of empty input.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		h := sha256.Sum256(nil)
		return DefaultConfig(), "sha256:" + hex.EncodeToString(h[:]), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return DefaultConfig(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("read risk config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("parse risk config: %w", err)
	}
	return cfg, hash, nil
}

// minLevelFor returns the override floor for a tool, or RiskLow if none.
func (c *Config) minLevelFor(tool string) model.RiskLevel {
	for _, o := range c.Overrides {
		if o.Tool == tool {
			if lvl, ok := parseLevel(o.MinLevel); ok {
				return lvl
			}
		}
	}
	return model.RiskLow
}

// parseLevel maps a string to a RiskLevel. Fail-closed: unknown → critical.
func parseLevel(s string) (model.RiskLevel, bool) {
	switch model.RiskLevel(s) {
	case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
		return model.RiskLevel(s), true
	default:
		return model.RiskCritical, false
	}
}
