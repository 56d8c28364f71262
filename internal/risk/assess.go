package risk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/registry"
)

// Risk type identifiers recorded in assessments and audit events.
const (
	TypeCommandInjection = "command_injection"
	TypeSQLInjection     = "sql_injection"
	TypePromptInjection  = "prompt_injection"
	TypeDestructive      = "destructive"
	TypeCredentialAccess = "credential_access"
	TypeNetworkEgress    = "network_egress"
	TypeUnknownTool      = "unknown_tool"
	TypeDestructiveTier  = "destructive_tier"
	TypeUnsanitized      = "unsanitized_input"
)

// Pre-compiled payload patterns. Grouped by the risk type they signal.
var (
	commandInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i);\s*(rm|curl|wget|chmod|chown|sudo|bash|sh|nc|python)\b`),
		regexp.MustCompile(`(?i)(\||&&)\s*(rm|curl|wget|chmod|chown|sudo|bash|sh)\b`),
		regexp.MustCompile(`\$\([^)]*\)`),
		regexp.MustCompile("`[^`]+`"),
	}
	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bUNION\b.*\bSELECT\b`),
		regexp.MustCompile(`(?i)\b(OR|AND)\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
		regexp.MustCompile(`(?i)['"]\s*;\s*(DROP|DELETE|UPDATE|INSERT)\b`),
		regexp.MustCompile(`(?i)--\s*$`),
	}
	promptInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
		regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+prompt|guidelines|rules)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)`),
		regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`),
	}
	destructivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
		regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`),
		regexp.MustCompile(`(?i)\bdelete\s+from\s+\S+\s*;?\s*$`),
		regexp.MustCompile(`(?i)\btruncate\s+table\b`),
		regexp.MustCompile(`(?i)\bmkfs\b|\bdd\s+if=`),
		regexp.MustCompile(`(?i)\bshutdown\b|\breboot\b`),
		regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	}
	credentialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)/etc/(shadow|passwd)\b`),
		regexp.MustCompile(`(?i)\bid_rsa\b|\.ssh/`),
		regexp.MustCompile(`(?i)\.aws/credentials`),
		regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|password)\s*[:=]`),
	}
	networkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(curl|wget|nc|telnet|ssh|scp|sftp)\s`),
		regexp.MustCompile(`(?i)https?://`),
	}
)

// Assessor is the CARS scorer. Pure and deterministic: identical
// (request, classification) inputs always yield the identical assessment.
type Assessor struct {
	cfg *Config
	reg *registry.Registry
}

// NewAssessor creates an Assessor bound to a config and tool registry.
func NewAssessor(cfg *Config, reg *registry.Registry) *Assessor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Assessor{cfg: cfg, reg: reg}
}

// Assess scores a request. It never mutates the request and performs no I/O.
func (a *Assessor) Assess(req *model.ToolCallRequest, cls model.Classification) model.RiskAssessment {
	payload := req.Payload()
	score := 0.0
	types := make(map[string]bool)

	add := func(riskType string, weight float64) {
		if !types[riskType] {
			types[riskType] = true
			score += weight
		}
	}

	w := a.cfg.Weights
	if matchAny(commandInjectionPatterns, payload) {
		add(TypeCommandInjection, w.CommandInjection)
	}
	if matchAny(sqlInjectionPatterns, payload) {
		add(TypeSQLInjection, w.SQLInjection)
	}
	if matchAny(promptInjectionPatterns, payload) {
		add(TypePromptInjection, w.PromptInjection)
	}
	if matchAny(destructivePatterns, payload) {
		add(TypeDestructive, w.Destructive)
	}
	if matchAny(credentialPatterns, payload) {
		add(TypeCredentialAccess, w.CredentialAccess)
	}
	if matchAny(networkPatterns, payload) {
		add(TypeNetworkEgress, w.NetworkEgress)
	}
	if !cls.Sanitized {
		add(TypeUnsanitized, w.UnsanitizedInput)
	}

	// Tool standing. Unregistered tools fail closed: at least high.
	floor := model.RiskLow
	td := a.reg.Lookup(req.Tool)
	if td == nil {
		add(TypeUnknownTool, w.UnknownTool)
		floor = model.RiskHigh
	} else if td.RiskTier == "destructive" {
		add(TypeDestructiveTier, w.DestructiveTier)
	}

	if o := a.cfg.minLevelFor(req.Tool); model.RiskRank[o] > model.RiskRank[floor] {
		floor = o
	}

	if score > 1 {
		score = 1
	}

	level := a.bucket(score)
	if model.RiskRank[floor] > model.RiskRank[level] {
		level = floor
	}

	detected := make([]string, 0, len(types))
	for t := range types {
		detected = append(detected, t)
	}
	sort.Strings(detected)

	return model.RiskAssessment{
		Level:     level,
		Score:     score,
		RiskTypes: detected,
		Context:   fmt.Sprintf("tool=%s tenant=%s labels=%s", req.Tool, req.TenantID, strings.Join(cls.Labels, ",")),
	}
}

// bucket maps a score to a discrete level using the configured thresholds.
func (a *Assessor) bucket(score float64) model.RiskLevel {
	t := a.cfg.Thresholds
	switch {
	case score >= t.Critical:
		return model.RiskCritical
	case score >= t.High:
		return model.RiskHigh
	case score >= t.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
