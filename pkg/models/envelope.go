package models

// Envelope is the complete result of one analysis run.
type Envelope struct {
	Findings []Finding `json:"findings"`
	Run      RunInfo   `json:"run"`
}

// RunInfo describes what the run looked at and what it set aside.
type RunInfo struct {
	// GranularityUsed is "hour", "day" or "week"; nil when temporal analysis
	// was skipped (fewer than two non-empty buckets).
	GranularityUsed *string `json:"granularity_used"`

	MetricsConsidered    []string     `json:"metrics_considered"`
	ParametersConsidered []string     `json:"parameters_considered"`
	ProtectedDetected    []string     `json:"protected_detected"`
	Skipped              []SkipReason `json:"skipped"`
}
