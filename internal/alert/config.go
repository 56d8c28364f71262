package alert

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // dispositions ("denied", "pending-approval") or levels ("high", "critical")
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp   string  `json:"timestamp"`
	RequestID   string  `json:"request_id"`
	TenantID    string  `json:"tenant_id"`
	Tool        string  `json:"tool"`
	Disposition string  `json:"disposition"`
	Reason      string  `json:"reason,omitempty"`
	Level       string  `json:"level"`
	Score       float64 `json:"score"`
	PolicyHash  string  `json:"policy_hash"`
}
