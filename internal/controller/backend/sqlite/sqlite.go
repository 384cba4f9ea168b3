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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/runrelay/internal/controller/backend"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			uuid TEXT PRIMARY KEY,
			idempotency_key TEXT,
			workspace_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			document_uuid TEXT NOT NULL DEFAULT '',
			commit_uuid TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_response TEXT,
			error TEXT,
			started_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`DROP INDEX IF EXISTS idx_runs_idempotency_key`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_workspace_idempotency_key ON runs(workspace_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_active ON runs(workspace_id, project_id, status, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const selectColumns = `uuid, idempotency_key, workspace_id, project_id, document_uuid, commit_uuid,
	source, status, last_response, error, started_at, ended_at, created_at, updated_at`

// CreateRun creates a new pending run, or returns the run already recorded
// under the same idempotency key in the same workspace.
func (b *Backend) CreateRun(ctx context.Context, params backend.CreateParams) (*backend.Run, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO runs (uuid, idempotency_key, workspace_id, project_id, document_uuid, commit_uuid,
			source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, idempotency_key) DO NOTHING`,
		params.UUID, nullString(params.IdempotencyKey), params.WorkspaceID, params.ProjectID,
		params.DocumentUUID, params.CommitUUID, params.Source, string(backend.StatusPending), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 && params.IdempotencyKey != "" {
		return b.scanOne(ctx, `SELECT `+selectColumns+` FROM runs WHERE workspace_id = ? AND idempotency_key = ?`,
			params.WorkspaceID, params.IdempotencyKey)
	}
	return b.get(ctx, params.UUID)
}

// ClaimRun moves a pending run to running.
func (b *Backend) ClaimRun(ctx context.Context, runUUID string) (*backend.Run, error) {
	now := formatTime(time.Now())
	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?, updated_at = ?
		WHERE uuid = ? AND status = ?`,
		string(backend.StatusRunning), now, now, runUUID, string(backend.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	run, err := b.get(ctx, runUUID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, backend.ClaimConflict(runUUID, run.Status)
	}
	return run, nil
}

// UpdateLastResponse stores the latest response of a running run.
func (b *Backend) UpdateLastResponse(ctx context.Context, runUUID string, response json.RawMessage) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET last_response = ?, updated_at = ?
		WHERE uuid = ? AND status = ?`,
		nullBytes(response), formatTime(time.Now()), runUUID, string(backend.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to update last response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := b.get(ctx, runUUID); err != nil {
			return err
		}
		return &rrerrors.ConflictError{Resource: "run", ID: runUUID, Reason: "not running"}
	}
	return nil
}

// MarkTerminal moves a run to a terminal status.
func (b *Backend) MarkTerminal(ctx context.Context, runUUID string, status backend.RunStatus, response json.RawMessage, runErr *backend.RunError) (*backend.Run, error) {
	if !status.IsTerminal() {
		return nil, &rrerrors.StateTransitionError{RunUUID: runUUID, To: string(status)}
	}

	errJSON, err := marshalRunError(runErr)
	if err != nil {
		return nil, err
	}

	from, alt := backend.TerminalSources(status)
	now := formatTime(time.Now())
	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, updated_at = ?,
			last_response = COALESCE(?, last_response), error = COALESCE(?, error)
		WHERE uuid = ? AND status IN (?, ?)`,
		string(status), now, now, nullBytes(response), errJSON,
		runUUID, string(from), string(alt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark run terminal: %w", err)
	}

	run, err := b.get(ctx, runUUID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := backend.CheckTerminal(runUUID, run.Status, status); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// FindRun returns a run of the given workspace.
func (b *Backend) FindRun(ctx context.Context, workspaceID, runUUID string) (*backend.Run, error) {
	return b.scanOne(ctx, `SELECT `+selectColumns+` FROM runs WHERE uuid = ? AND workspace_id = ?`, runUUID, workspaceID)
}

// FindActiveRun returns a pending or running run of the given workspace.
func (b *Backend) FindActiveRun(ctx context.Context, workspaceID, runUUID string) (*backend.Run, error) {
	return b.scanOne(ctx, `SELECT `+selectColumns+` FROM runs WHERE uuid = ? AND workspace_id = ? AND status IN (?, ?)`,
		runUUID, workspaceID, string(backend.StatusPending), string(backend.StatusRunning))
}

// ListActiveRuns pages through active runs of a project, newest first.
func (b *Backend) ListActiveRuns(ctx context.Context, filter backend.ActiveRunFilter) (*backend.RunPage, error) {
	filter = filter.Normalize()

	var total int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE workspace_id = ? AND project_id = ? AND status IN (?, ?)`,
		filter.WorkspaceID, filter.ProjectID, string(backend.StatusPending), string(backend.StatusRunning),
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count active runs: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM runs
		WHERE workspace_id = ? AND project_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, uuid DESC
		LIMIT ? OFFSET ?`,
		filter.WorkspaceID, filter.ProjectID, string(backend.StatusPending), string(backend.StatusRunning),
		filter.PageSize, filter.Offset(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	page := &backend.RunPage{Runs: []*backend.Run{}, Total: total, Page: filter.Page, PageSize: filter.PageSize}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		page.Runs = append(page.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return page, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) get(ctx context.Context, runUUID string) (*backend.Run, error) {
	return b.scanOne(ctx, `SELECT `+selectColumns+` FROM runs WHERE uuid = ?`, runUUID)
}

func (b *Backend) scanOne(ctx context.Context, query string, args ...any) (*backend.Run, error) {
	run, err := scanRun(b.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		id := ""
		if len(args) > 0 {
			id, _ = args[0].(string)
		}
		return nil, backend.NotFound(id)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*backend.Run, error) {
	var run backend.Run
	var status string
	var idemKey, lastResponse, errJSON, startedAt, endedAt sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&run.UUID, &idemKey, &run.WorkspaceID, &run.ProjectID, &run.DocumentUUID, &run.CommitUUID,
		&run.Source, &status, &lastResponse, &errJSON, &startedAt, &endedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = backend.RunStatus(status)
	run.IdempotencyKey = idemKey.String
	if lastResponse.Valid {
		run.LastResponse = json.RawMessage(lastResponse.String)
	}
	if errJSON.Valid {
		var runErr backend.RunError
		if err := json.Unmarshal([]byte(errJSON.String), &runErr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
		run.Error = &runErr
	}
	run.StartedAt = parseNullTime(startedAt)
	run.EndedAt = parseNullTime(endedAt)
	run.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	run.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &run, nil
}

func marshalRunError(runErr *backend.RunError) (any, error) {
	if runErr == nil {
		return nil, nil
	}
	data, err := json.Marshal(runErr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run error: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
