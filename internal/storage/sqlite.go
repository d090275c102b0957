// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists executions and step results to SQLite and
// serves the history queries behind list and detail views.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/playbookd/playbookd/internal/engine"
	pberrors "github.com/playbookd/playbookd/pkg/errors"
)

// Store is the SQLite-backed execution history.
type Store struct {
	db *sql.DB
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id       TEXT PRIMARY KEY,
	playbook_name      TEXT NOT NULL,
	playbook_path      TEXT NOT NULL,
	status             TEXT NOT NULL,
	current_step_index INTEGER NOT NULL DEFAULT 0,
	total_steps        INTEGER NOT NULL DEFAULT 0,
	parameters         TEXT NOT NULL DEFAULT '{}',
	variables          TEXT NOT NULL DEFAULT '{}',
	debug_mode         INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	started_at         TEXT NOT NULL,
	completed_at       TEXT,
	metadata           TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS step_results (
	execution_id    TEXT NOT NULL,
	step_id         TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	error_kind      TEXT NOT NULL DEFAULT '',
	started_at      TEXT,
	completed_at    TEXT,
	output          TEXT NOT NULL DEFAULT '{}',
	screenshot_path TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, step_id)
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
`

// Open creates or opens the execution store at path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode allows readers to proceed while the sink writes.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveExecution upserts the execution row and all of its step rows in
// one transaction. Safe to call repeatedly with the same snapshot.
func (s *Store) SaveExecution(ctx context.Context, snap engine.Snapshot) error {
	params, err := json.Marshal(snap.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	vars, err := json.Marshal(snap.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, playbook_name, playbook_path, status,
			current_step_index, total_steps, parameters, variables,
			debug_mode, error, started_at, completed_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			current_step_index = excluded.current_step_index,
			parameters = excluded.parameters,
			variables = excluded.variables,
			debug_mode = excluded.debug_mode,
			error = excluded.error,
			completed_at = excluded.completed_at,
			metadata = excluded.metadata`,
		snap.ExecutionID, snap.PlaybookName, snap.PlaybookPath, string(snap.Status),
		snap.CurrentStepIndex, snap.TotalSteps, string(params), string(vars),
		boolInt(snap.DebugMode), snap.Error, formatTime(snap.StartedAt), formatTimePtr(snap.CompletedAt), string(meta))
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}

	for _, r := range snap.StepResults {
		if err := upsertStep(ctx, tx, snap.ExecutionID, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveStepResult upserts one step row. Writing the same transition
// twice is a no-op thanks to the primary key upsert.
func (s *Store) SaveStepResult(ctx context.Context, executionID string, r engine.StepResult) error {
	return upsertStep(ctx, s.db, executionID, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertStep(ctx context.Context, db execer, executionID string, r engine.StepResult) error {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO step_results (
			execution_id, step_id, name, status, error, error_kind,
			started_at, completed_at, output, screenshot_path, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			error_kind = excluded.error_kind,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			output = excluded.output,
			screenshot_path = excluded.screenshot_path,
			attempts = excluded.attempts`,
		executionID, r.StepID, r.Name, string(r.Status), r.Error, r.ErrorKind,
		formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt),
		string(output), r.ScreenshotPath, r.Attempts)
	if err != nil {
		return fmt.Errorf("upsert step result: %w", err)
	}
	return nil
}

// GetExecution loads one execution with its step results.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*engine.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, playbook_name, playbook_path, status,
		       current_step_index, total_steps, parameters, variables,
		       debug_mode, error, started_at, completed_at, metadata
		FROM executions WHERE execution_id = ?`, executionID)

	snap, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &pberrors.NotFoundError{Resource: "execution", ID: executionID}
		}
		return nil, err
	}

	steps, err := s.stepResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	snap.StepResults = steps
	return snap, nil
}

// ListExecutions returns history rows ordered newest-first. A zero
// limit applies a default of 100.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]engine.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, playbook_name, playbook_path, status,
		       current_step_index, total_steps, parameters, variables,
		       debug_mode, error, started_at, completed_at, metadata
		FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []engine.Snapshot
	for rows.Next() {
		snap, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// DeleteExecution removes the execution row and its step rows.
func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE execution_id = ?`, executionID)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("delete step results: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return &pberrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return tx.Commit()
}

func (s *Store) stepResults(ctx context.Context, executionID string) ([]engine.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, name, status, error, error_kind, started_at,
		       completed_at, output, screenshot_path, attempts
		FROM step_results WHERE execution_id = ? ORDER BY rowid`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	var out []engine.StepResult
	for rows.Next() {
		var (
			r                    engine.StepResult
			status               string
			started, completed   sql.NullString
			outputJSON           string
		)
		if err := rows.Scan(&r.StepID, &r.Name, &status, &r.Error, &r.ErrorKind,
			&started, &completed, &outputJSON, &r.ScreenshotPath, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.Status = engine.StepStatus(status)
		r.StartedAt = parseTimePtr(started)
		r.CompletedAt = parseTimePtr(completed)
		if outputJSON != "" && outputJSON != "{}" && outputJSON != "null" {
			if err := json.Unmarshal([]byte(outputJSON), &r.Output); err != nil {
				return nil, fmt.Errorf("parse step output: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*engine.Snapshot, error) {
	var (
		snap                   engine.Snapshot
		status                 string
		paramsJSON, varsJSON   string
		metaJSON               string
		debug                  int
		started                string
		completed              sql.NullString
	)
	err := row.Scan(&snap.ExecutionID, &snap.PlaybookName, &snap.PlaybookPath, &status,
		&snap.CurrentStepIndex, &snap.TotalSteps, &paramsJSON, &varsJSON,
		&debug, &snap.Error, &started, &completed, &metaJSON)
	if err != nil {
		return nil, err
	}

	snap.Status = engine.Status(status)
	snap.DebugMode = debug != 0
	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		snap.StartedAt = t
	}
	snap.CompletedAt = parseTimePtr(completed)
	if err := json.Unmarshal([]byte(paramsJSON), &snap.Parameters); err != nil {
		return nil, fmt.Errorf("parse parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &snap.Variables); err != nil {
		return nil, fmt.Errorf("parse variables: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
