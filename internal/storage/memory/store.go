// Package memory provides an in-memory storage implementation.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fidde/agent_audit/pkg/models"
)

// Store is an in-memory scenario and capture store.
type Store struct {
	scenariosMu sync.RWMutex
	scenarios   map[string]*models.Scenario

	capturesMu sync.RWMutex
	captures   map[string]*models.Capture
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		scenarios: make(map[string]*models.Scenario),
		captures:  make(map[string]*models.Capture),
	}
}

// PutScenario stores or replaces a scenario.
func (s *Store) PutScenario(ctx context.Context, scenario *models.Scenario) error {
	if scenario == nil {
		return errors.New("scenario cannot be nil")
	}
	if scenario.ID == "" {
		return errors.New("scenario id cannot be empty")
	}

	s.scenariosMu.Lock()
	defer s.scenariosMu.Unlock()

	stored := *scenario
	now := time.Now().UTC()
	if existing, exists := s.scenarios[scenario.ID]; exists {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.scenarios[scenario.ID] = &stored
	return nil
}

// GetScenario retrieves a scenario by ID.
func (s *Store) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	s.scenariosMu.RLock()
	defer s.scenariosMu.RUnlock()

	scenario, exists := s.scenarios[id]
	if !exists {
		return nil, models.ErrNotFound
	}
	copied := *scenario
	return &copied, nil
}

// ListScenarios returns summaries for all scenarios, sorted by ID.
func (s *Store) ListScenarios(ctx context.Context) ([]*models.ScenarioSummary, error) {
	s.scenariosMu.RLock()
	defer s.scenariosMu.RUnlock()

	summaries := make([]*models.ScenarioSummary, 0, len(s.scenarios))
	for _, scenario := range s.scenarios {
		summaries = append(summaries, &models.ScenarioSummary{
			ID:           scenario.ID,
			Name:         scenario.Name,
			AgentPurpose: scenario.AgentPurpose,
			TraceCount:   scenario.TraceCount,
			SizeBytes:    int64(len(scenario.Payload)),
			CreatedAt:    scenario.CreatedAt,
			UpdatedAt:    scenario.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// DeleteScenario removes a scenario.
func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	s.scenariosMu.Lock()
	defer s.scenariosMu.Unlock()

	if _, exists := s.scenarios[id]; !exists {
		return models.ErrNotFound
	}
	delete(s.scenarios, id)
	return nil
}

// AppendCaptureBatch appends one received OTLP batch to a capture session,
// creating the session on first use.
func (s *Store) AppendCaptureBatch(ctx context.Context, session string, batch json.RawMessage, spanCount int) error {
	if session == "" {
		return errors.New("capture session cannot be empty")
	}

	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	now := time.Now().UTC()
	capture, exists := s.captures[session]
	if !exists {
		capture = &models.Capture{Session: session, CreatedAt: now}
		s.captures[session] = capture
	}
	capture.Batches = append(capture.Batches, batch)
	capture.SpanCount += spanCount
	capture.UpdatedAt = now
	return nil
}

// GetCapture retrieves a capture session with its batches.
func (s *Store) GetCapture(ctx context.Context, session string) (*models.Capture, error) {
	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	capture, exists := s.captures[session]
	if !exists {
		return nil, models.ErrNotFound
	}
	copied := *capture
	copied.Batches = append([]json.RawMessage(nil), capture.Batches...)
	return &copied, nil
}

// ListCaptures returns summaries for all capture sessions, sorted by name.
func (s *Store) ListCaptures(ctx context.Context) ([]*models.CaptureSummary, error) {
	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	summaries := make([]*models.CaptureSummary, 0, len(s.captures))
	for _, capture := range s.captures {
		summaries = append(summaries, &models.CaptureSummary{
			Session:    capture.Session,
			BatchCount: len(capture.Batches),
			SpanCount:  capture.SpanCount,
			CreatedAt:  capture.CreatedAt,
			UpdatedAt:  capture.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Session < summaries[j].Session })
	return summaries, nil
}

// DeleteCapture removes a capture session.
func (s *Store) DeleteCapture(ctx context.Context, session string) error {
	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	if _, exists := s.captures[session]; !exists {
		return models.ErrNotFound
	}
	delete(s.captures, session)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
