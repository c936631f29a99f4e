// Package models contains the value types shared across the auditor:
// normalized telemetry records, analysis findings, and the output envelope.
package models

import "time"

// Record is one normalized telemetry event (roughly one span). Records are
// created by the normalizer and never mutated afterwards.
type Record struct {
	// Timestamp is the span start time in UTC. Only meaningful when
	// HasTimestamp is true; records without a parseable timestamp are kept
	// but excluded from temporal analysis.
	Timestamp time.Time

	HasTimestamp bool

	// Attributes maps attribute keys to scalar values. Resource-level
	// attributes are merged in under the same keys, with span-level values
	// winning on conflict.
	Attributes map[string]Value
}

// SkipReason records a non-fatal, per-entity exclusion made during a run.
type SkipReason struct {
	Entity string `json:"entity"`
	Reason string `json:"reason"`
}
