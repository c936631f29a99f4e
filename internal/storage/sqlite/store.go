// Package sqlite provides a SQLite-backed storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fidde/agent_audit/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// Store is a SQLite-backed scenario and capture store.
type Store struct {
	db *sql.DB
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath string
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{DBPath: dbPath}
}

// New creates a new SQLite store with the given configuration.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// PutScenario stores or replaces a scenario.
func (s *Store) PutScenario(ctx context.Context, scenario *models.Scenario) error {
	if scenario == nil {
		return errors.New("scenario cannot be nil")
	}
	if scenario.ID == "" {
		return errors.New("scenario id cannot be empty")
	}

	now := time.Now().UTC()
	created := scenario.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, name, agent_purpose, payload, trace_count, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agent_purpose = excluded.agent_purpose,
			payload = excluded.payload,
			trace_count = excluded.trace_count,
			updated_at_ns = excluded.updated_at_ns`,
		scenario.ID, scenario.Name, scenario.AgentPurpose, []byte(scenario.Payload),
		scenario.TraceCount, created.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("storing scenario %s: %w", scenario.ID, err)
	}
	return nil
}

// GetScenario retrieves a scenario by ID.
func (s *Store) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, agent_purpose, payload, trace_count, created_at_ns, updated_at_ns
		FROM scenarios WHERE id = ?`, id)

	var scenario models.Scenario
	var payload []byte
	var createdNs, updatedNs int64
	err := row.Scan(&scenario.ID, &scenario.Name, &scenario.AgentPurpose, &payload,
		&scenario.TraceCount, &createdNs, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading scenario %s: %w", id, err)
	}
	scenario.Payload = json.RawMessage(payload)
	scenario.CreatedAt = time.Unix(0, createdNs).UTC()
	scenario.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &scenario, nil
}

// ListScenarios returns summaries for all scenarios, sorted by ID.
func (s *Store) ListScenarios(ctx context.Context) ([]*models.ScenarioSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, agent_purpose, length(payload), trace_count, created_at_ns, updated_at_ns
		FROM scenarios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}
	defer rows.Close()

	var summaries []*models.ScenarioSummary
	for rows.Next() {
		var summary models.ScenarioSummary
		var createdNs, updatedNs int64
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.AgentPurpose,
			&summary.SizeBytes, &summary.TraceCount, &createdNs, &updatedNs); err != nil {
			return nil, fmt.Errorf("scanning scenario row: %w", err)
		}
		summary.CreatedAt = time.Unix(0, createdNs).UTC()
		summary.UpdatedAt = time.Unix(0, updatedNs).UTC()
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// DeleteScenario removes a scenario.
func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting scenario %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AppendCaptureBatch appends one received OTLP batch to a capture session.
func (s *Store) AppendCaptureBatch(ctx context.Context, session string, batch json.RawMessage, spanCount int) error {
	if session == "" {
		return errors.New("capture session cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_batches (session, seq, payload, span_count, created_at_ns)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM capture_batches WHERE session = ?), ?, ?, ?)`,
		session, session, []byte(batch), spanCount, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("appending capture batch to %s: %w", session, err)
	}
	return nil
}

// GetCapture retrieves a capture session with its batches in append order.
func (s *Store) GetCapture(ctx context.Context, session string) (*models.Capture, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, span_count, created_at_ns
		FROM capture_batches WHERE session = ? ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("loading capture %s: %w", session, err)
	}
	defer rows.Close()

	capture := &models.Capture{Session: session}
	for rows.Next() {
		var payload []byte
		var spanCount int
		var createdNs int64
		if err := rows.Scan(&payload, &spanCount, &createdNs); err != nil {
			return nil, fmt.Errorf("scanning capture row: %w", err)
		}
		createdAt := time.Unix(0, createdNs).UTC()
		capture.Batches = append(capture.Batches, json.RawMessage(payload))
		capture.SpanCount += spanCount
		if capture.CreatedAt.IsZero() || createdAt.Before(capture.CreatedAt) {
			capture.CreatedAt = createdAt
		}
		if createdAt.After(capture.UpdatedAt) {
			capture.UpdatedAt = createdAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(capture.Batches) == 0 {
		return nil, models.ErrNotFound
	}
	return capture, nil
}

// ListCaptures returns summaries for all capture sessions.
func (s *Store) ListCaptures(ctx context.Context) ([]*models.CaptureSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, COUNT(*), SUM(span_count), MIN(created_at_ns), MAX(created_at_ns)
		FROM capture_batches GROUP BY session ORDER BY session`)
	if err != nil {
		return nil, fmt.Errorf("listing captures: %w", err)
	}
	defer rows.Close()

	var summaries []*models.CaptureSummary
	for rows.Next() {
		var summary models.CaptureSummary
		var createdNs, updatedNs int64
		if err := rows.Scan(&summary.Session, &summary.BatchCount, &summary.SpanCount,
			&createdNs, &updatedNs); err != nil {
			return nil, fmt.Errorf("scanning capture summary: %w", err)
		}
		summary.CreatedAt = time.Unix(0, createdNs).UTC()
		summary.UpdatedAt = time.Unix(0, updatedNs).UTC()
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// DeleteCapture removes a capture session and its batches.
func (s *Store) DeleteCapture(ctx context.Context, session string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capture_batches WHERE session = ?`, session)
	if err != nil {
		return fmt.Errorf("deleting capture %s: %w", session, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
