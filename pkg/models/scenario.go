package models

import (
	"encoding/json"
	"time"
)

// Scenario is a stored OTEL payload with its declared agent purpose. The
// payload is kept verbatim; analysis always re-normalizes from the raw
// bytes so stored scenarios and ad-hoc uploads go through the same path.
type Scenario struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	AgentPurpose string          `json:"agent_purpose"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TraceCount   int             `json:"trace_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ScenarioSummary is the listing view of a scenario, without the payload.
type ScenarioSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AgentPurpose string    `json:"agent_purpose"`
	TraceCount   int       `json:"trace_count"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
