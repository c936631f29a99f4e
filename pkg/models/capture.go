package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Capture is a named ingest session: OTLP trace batches received over the
// wire and kept verbatim for later post-hoc analysis. Nothing is analyzed
// at ingest time.
type Capture struct {
	Session   string            `json:"session"`
	Batches   []json.RawMessage `json:"batches,omitempty"`
	SpanCount int               `json:"span_count"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CaptureSummary is the listing view of a capture session.
type CaptureSummary struct {
	Session    string    `json:"session"`
	BatchCount int       `json:"batch_count"`
	SpanCount  int       `json:"span_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MergedPayload concatenates the capture's OTLP JSON batches into a single
// payload with one resourceSpans array, suitable for analysis.
func (c *Capture) MergedPayload() ([]byte, error) {
	var merged struct {
		ResourceSpans []json.RawMessage `json:"resourceSpans"`
	}
	for i, batch := range c.Batches {
		var envelope struct {
			ResourceSpans []json.RawMessage `json:"resourceSpans"`
		}
		if err := json.Unmarshal(batch, &envelope); err != nil {
			return nil, fmt.Errorf("capture %s batch %d: %w", c.Session, i, err)
		}
		merged.ResourceSpans = append(merged.ResourceSpans, envelope.ResourceSpans...)
	}
	return json.Marshal(merged)
}
