// Package storage defines scenario and capture storage for the auditor.
package storage

import (
	"context"
	"encoding/json"

	"github.com/fidde/agent_audit/pkg/models"
)

// Store persists scenarios (uploaded OTEL payloads with a declared purpose)
// and captures (batches accumulated by the OTLP receivers). Analysis results
// are never stored. Implementations must be safe for concurrent use.
type Store interface {
	// Scenario operations
	PutScenario(ctx context.Context, scenario *models.Scenario) error
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
	ListScenarios(ctx context.Context) ([]*models.ScenarioSummary, error)
	DeleteScenario(ctx context.Context, id string) error

	// Capture operations
	AppendCaptureBatch(ctx context.Context, session string, batch json.RawMessage, spanCount int) error
	GetCapture(ctx context.Context, session string) (*models.Capture, error)
	ListCaptures(ctx context.Context) ([]*models.CaptureSummary, error)
	DeleteCapture(ctx context.Context, session string) error

	// Close releases any backing resources.
	Close() error
}
