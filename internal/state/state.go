// Package state provides SQLite-backed persistence of per-unit
// execution progress, keyed by (directive, agent, unit). This is the
// record the resumption planner reads after an interrupted session.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"promptpilot/internal/models"
)

// Attempt is the durable outcome of the latest attempt for one
// (directive, agent, unit) key. Earlier attempts for the same key are
// superseded, not accumulated; the audit trail keeps the full history.
type Attempt struct {
	DirectiveID    string
	AgentID        string
	Unit           string
	Status         models.AttemptStatus
	Classification string
	Evidence       string
	Output         string
	Error          string
	RetryCount     int
	ModelUsed      string
	StartedAt      time.Time
	EndedAt        time.Time
	DurationMS     int64
}

// Store provides access to the execution-state database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the state database and runs
// migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		directive_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		unit TEXT NOT NULL,
		status TEXT NOT NULL,
		classification TEXT,
		evidence TEXT,
		output TEXT,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		model_used TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (directive_id, agent_id, unit)
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_directive ON attempts(directive_id, agent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record upserts the attempt for its key, superseding any earlier
// record for the same (directive, agent, unit).
func (s *Store) Record(a Attempt) error {
	if a.DirectiveID == "" || a.AgentID == "" {
		return fmt.Errorf("attempt missing directive or agent id")
	}
	if len(a.Output) > models.OutputPreviewLimit {
		a.Output = a.Output[:models.OutputPreviewLimit]
	}
	_, err := s.db.Exec(
		`INSERT INTO attempts (directive_id, agent_id, unit, status, classification, evidence, output, error, retry_count, model_used, started_at, ended_at, duration_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(directive_id, agent_id, unit) DO UPDATE SET
			status = excluded.status,
			classification = excluded.classification,
			evidence = excluded.evidence,
			output = excluded.output,
			error = excluded.error,
			retry_count = excluded.retry_count,
			model_used = excluded.model_used,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`,
		a.DirectiveID, a.AgentID, a.Unit, a.Status, a.Classification, a.Evidence,
		a.Output, a.Error, a.RetryCount, a.ModelUsed,
		nullTime(a.StartedAt), nullTime(a.EndedAt), a.DurationMS, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Attempts returns every recorded attempt for a directive under one
// agent, ordered by unit.
func (s *Store) Attempts(directiveID, agentID string) ([]Attempt, error) {
	rows, err := s.db.Query(
		`SELECT directive_id, agent_id, unit, status, classification, evidence, output, error, retry_count, model_used, started_at, ended_at, duration_ms
		 FROM attempts WHERE directive_id = ? AND agent_id = ? ORDER BY unit`,
		directiveID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns the attempt for one key, or nil when nothing was
// recorded.
func (s *Store) Get(directiveID, agentID, unit string) (*Attempt, error) {
	row := s.db.QueryRow(
		`SELECT directive_id, agent_id, unit, status, classification, evidence, output, error, retry_count, model_used, started_at, ended_at, duration_ms
		 FROM attempts WHERE directive_id = ? AND agent_id = ? AND unit = ?`,
		directiveID, agentID, unit,
	)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CompletedUnits returns the set of units whose latest attempt
// completed, for resumption planning.
func (s *Store) CompletedUnits(directiveID, agentID string) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT unit FROM attempts WHERE directive_id = ? AND agent_id = ? AND status = ?`,
		directiveID, agentID, models.AttemptCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed units: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var unit string
		if err := rows.Scan(&unit); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		done[unit] = true
	}
	return done, rows.Err()
}

// Clear removes all recorded attempts for a directive under one agent.
// Used by forced restarts.
func (s *Store) Clear(directiveID, agentID string) error {
	_, err := s.db.Exec(
		`DELETE FROM attempts WHERE directive_id = ? AND agent_id = ?`,
		directiveID, agentID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var classification, evidence, output, errText, modelUsed sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&a.DirectiveID, &a.AgentID, &a.Unit, &a.Status,
		&classification, &evidence, &output, &errText, &a.RetryCount,
		&modelUsed, &startedAt, &endedAt, &a.DurationMS)
	if err == sql.ErrNoRows {
		return a, err
	}
	if err != nil {
		return a, fmt.Errorf("scan attempt: %w", err)
	}
	if classification.Valid {
		a.Classification = classification.String
	}
	if evidence.Valid {
		a.Evidence = evidence.String
	}
	if output.Valid {
		a.Output = output.String
	}
	if errText.Valid {
		a.Error = errText.String
	}
	if modelUsed.Valid {
		a.ModelUsed = modelUsed.String
	}
	if startedAt.Valid {
		a.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		a.EndedAt = endedAt.Time
	}
	return a, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
