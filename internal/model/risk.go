package model

// RiskLevel buckets a numeric risk score into one of four discrete levels.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskRank maps levels to comparable integers for monotonic escalation.
var RiskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// RiskAssessment is the CARS output for one request. It is derived once,
// before any other decision, and never mutated afterwards.
type RiskAssessment struct {
	Level     RiskLevel `json:"level"`
	Score     float64   `json:"score"` // in [0,1]
	RiskTypes []string  `json:"risk_types,omitempty"`
	Context   string    `json:"context,omitempty"`
}

// RequiresApproval reports whether the assessment crosses the human-in-the-loop
// threshold: high and critical gate, low and medium pass through.
func (a RiskAssessment) RequiresApproval() bool {
	return RiskRank[a.Level] >= RiskRank[RiskHigh]
}
