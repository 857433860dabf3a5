// Package audit writes the append-only record of every agent attempt.
// Unlike the execution-state store, nothing here is ever superseded or
// truncated; this table is the full history, kept for diagnosis.
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one attempt as it will be remembered: the full prompt, the
// redacted command line, the complete streams, and the verdict.
type Entry struct {
	ID             string
	SessionID      string
	DirectiveID    string
	AgentID        string
	Unit           string
	Prompt         string
	CommandDisplay string
	Stdout         string
	Stderr         string
	ExitCode       int
	Classification string
	Evidence       string
	RetryIndex     int
	ModelUsed      string
	StartedAt      time.Time
	EndedAt        time.Time
}

// SessionSummary aggregates the recorded attempts of one session.
type SessionSummary struct {
	SessionID        string
	Attempts         int
	ByClassification map[string]int
	ByAgent          map[string]int
	FirstStartedAt   time.Time
	LastEndedAt      time.Time
}

// Recorder appends audit entries to its own SQLite database.
type Recorder struct {
	db *sql.DB
}

// NewRecorder opens (creating if needed) the audit database.
func NewRecorder(dbPath string) (*Recorder, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Recorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}

func (r *Recorder) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		directive_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		unit TEXT,
		prompt TEXT NOT NULL,
		command_display TEXT NOT NULL,
		stdout TEXT,
		stderr TEXT,
		exit_code INTEGER NOT NULL DEFAULT 0,
		classification TEXT NOT NULL,
		evidence TEXT,
		retry_index INTEGER NOT NULL DEFAULT 0,
		model_used TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_directive ON attempts(directive_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Record appends one entry. A failure to record is logged and swallowed
// so that auditing can never take down a running session.
func (r *Recorder) Record(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.Exec(
		`INSERT INTO attempts (id, session_id, directive_id, agent_id, unit, prompt, command_display, stdout, stderr, exit_code, classification, evidence, retry_index, model_used, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.DirectiveID, e.AgentID, e.Unit, e.Prompt,
		e.CommandDisplay, e.Stdout, e.Stderr, e.ExitCode,
		e.Classification, e.Evidence, e.RetryIndex, e.ModelUsed,
		e.StartedAt, e.EndedAt,
	)
	if err != nil {
		log.Printf("audit: record attempt %s: %v", e.ID, err)
		return ""
	}
	return e.ID
}

// Entries returns the attempts of one session in recorded order.
func (r *Recorder) Entries(sessionID string) ([]Entry, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, directive_id, agent_id, unit, prompt, command_display, stdout, stderr, exit_code, classification, evidence, retry_index, model_used, started_at, ended_at
		 FROM attempts WHERE session_id = ? ORDER BY started_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var unit, stdout, stderr, evidence, modelUsed sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.DirectiveID, &e.AgentID,
			&unit, &e.Prompt, &e.CommandDisplay, &stdout, &stderr, &e.ExitCode,
			&e.Classification, &evidence, &e.RetryIndex, &modelUsed,
			&e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		e.Unit = unit.String
		e.Stdout = stdout.String
		e.Stderr = stderr.String
		e.Evidence = evidence.String
		e.ModelUsed = modelUsed.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesForDirective returns every recorded attempt of a directive
// across all sessions, oldest first.
func (r *Recorder) EntriesForDirective(directiveID string) ([]Entry, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, directive_id, agent_id, unit, prompt, command_display, stdout, stderr, exit_code, classification, evidence, retry_index, model_used, started_at, ended_at
		 FROM attempts WHERE directive_id = ? ORDER BY started_at, id`,
		directiveID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var unit, stdout, stderr, evidence, modelUsed sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.DirectiveID, &e.AgentID,
			&unit, &e.Prompt, &e.CommandDisplay, &stdout, &stderr, &e.ExitCode,
			&e.Classification, &evidence, &e.RetryIndex, &modelUsed,
			&e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		e.Unit = unit.String
		e.Stdout = stdout.String
		e.Stderr = stderr.String
		e.Evidence = evidence.String
		e.ModelUsed = modelUsed.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summarize aggregates one session's attempts.
func (r *Recorder) Summarize(sessionID string) (*SessionSummary, error) {
	entries, err := r.Entries(sessionID)
	if err != nil {
		return nil, err
	}
	sum := &SessionSummary{
		SessionID:        sessionID,
		Attempts:         len(entries),
		ByClassification: map[string]int{},
		ByAgent:          map[string]int{},
	}
	for _, e := range entries {
		sum.ByClassification[e.Classification]++
		sum.ByAgent[e.AgentID]++
		if sum.FirstStartedAt.IsZero() || e.StartedAt.Before(sum.FirstStartedAt) {
			sum.FirstStartedAt = e.StartedAt
		}
		if e.EndedAt.After(sum.LastEndedAt) {
			sum.LastEndedAt = e.EndedAt
		}
	}
	return sum, nil
}
