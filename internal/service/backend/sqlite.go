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

package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/run"
)

var _ Backend = (*SQLite)(nil)

// SQLite is the durable single-node backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	b := &SQLite{db: db}
	if err := b.configure(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLite) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("execute %s: %w", p, err)
		}
	}
	return nil
}

func (b *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version_id TEXT,
			version INTEGER DEFAULT 0,
			org_id TEXT,
			status TEXT NOT NULL,
			trigger_type TEXT,
			public INTEGER NOT NULL DEFAULT 0,
			event_json TEXT,
			final_state_json TEXT,
			error_code TEXT,
			error_message TEXT,
			steps_json TEXT,
			public_slug TEXT,
			ip_hash TEXT,
			user_agent TEXT,
			is_anonymous INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			duration_ms INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS public_hits (
			slug TEXT NOT NULL,
			ip_hash TEXT NOT NULL,
			at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_public_hits ON public_hits(slug, ip_hash, at_ms)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// stepsDoc is the steps_json payload: sealed steps plus, for an
// awaiting_action run, the paused snapshot.
type stepsDoc struct {
	Steps  []run.Step       `json:"steps,omitempty"`
	Paused *run.PausedState `json:"paused,omitempty"`
}

func (b *SQLite) CreateRun(ctx context.Context, r *run.Run) error {
	return b.write(ctx, r, `
		INSERT INTO runs (id, workflow_id, version_id, version, org_id, status, trigger_type,
			public, event_json, final_state_json, error_code, error_message, steps_json,
			public_slug, ip_hash, user_agent, is_anonymous,
			created_at, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

func (b *SQLite) UpdateRun(ctx context.Context, r *run.Run) error {
	return b.write(ctx, r, `
		REPLACE INTO runs (id, workflow_id, version_id, version, org_id, status, trigger_type,
			public, event_json, final_state_json, error_code, error_message, steps_json,
			public_slug, ip_hash, user_agent, is_anonymous,
			created_at, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

func (b *SQLite) write(ctx context.Context, r *run.Run, query string) error {
	eventJSON, err := marshalMap(r.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	stateJSON, err := marshalMap(r.FinalState)
	if err != nil {
		return fmt.Errorf("marshal final state: %w", err)
	}
	stepsJSON, err := json.Marshal(stepsDoc{Steps: r.Steps, Paused: r.Paused})
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	var errCode, errMessage sql.NullString
	if r.Error != nil {
		errCode = sql.NullString{String: r.Error.Code, Valid: true}
		errMessage = sql.NullString{String: r.Error.Message, Valid: true}
	}
	var slug, ipHash, userAgent sql.NullString
	anonymous := false
	if r.PublicMeta != nil {
		slug = sql.NullString{String: r.PublicMeta.Slug, Valid: true}
		ipHash = sql.NullString{String: r.PublicMeta.IPHash, Valid: true}
		userAgent = sql.NullString{String: r.PublicMeta.UserAgent, Valid: r.PublicMeta.UserAgent != ""}
		anonymous = r.PublicMeta.Anonymous
	}

	_, err = b.db.ExecContext(ctx, query,
		r.ID, r.WorkflowID, r.VersionID, r.Version, r.OrgID, string(r.Status), r.TriggerType,
		boolInt(r.Public), eventJSON, stateJSON, errCode, errMessage, string(stepsJSON),
		slug, ipHash, userAgent, boolInt(anonymous),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("write run %s: %w", r.ID, err)
	}
	return nil
}

const runColumns = `id, workflow_id, version_id, version, org_id, status, trigger_type,
	public, event_json, final_state_json, error_code, error_message, steps_json,
	public_slug, ip_hash, user_agent, is_anonymous,
	created_at, started_at, finished_at, duration_ms`

func (b *SQLite) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (b *SQLite) ListRuns(ctx context.Context, f Filter) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *SQLite) RecordPublicHit(ctx context.Context, slug, ipHash string, at time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO public_hits (slug, ip_hash, at_ms) VALUES (?, ?, ?)`,
		slug, ipHash, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record public hit: %w", err)
	}
	return nil
}

func (b *SQLite) CountPublicHits(ctx context.Context, slug, ipHash string, since time.Time) (int, error) {
	// Prune as we go so the append-only window stays bounded.
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM public_hits WHERE slug = ? AND ip_hash = ? AND at_ms < ?`,
		slug, ipHash, since.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune public hits: %w", err)
	}
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM public_hits WHERE slug = ? AND ip_hash = ? AND at_ms >= ?`,
		slug, ipHash, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count public hits: %w", err)
	}
	return n, nil
}

func (b *SQLite) Close() error { return b.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*run.Run, error) {
	var r run.Run
	var status, createdAt string
	var versionID, orgID, triggerType sql.NullString
	var public, anonymous int
	var eventJSON, stateJSON, stepsJSON sql.NullString
	var errCode, errMessage sql.NullString
	var slug, ipHash, userAgent sql.NullString
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&r.ID, &r.WorkflowID, &versionID, &r.Version, &orgID, &status, &triggerType,
		&public, &eventJSON, &stateJSON, &errCode, &errMessage, &stepsJSON,
		&slug, &ipHash, &userAgent, &anonymous,
		&createdAt, &startedAt, &finishedAt, &r.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	r.VersionID = versionID.String
	r.OrgID = orgID.String
	r.Status = run.Status(status)
	r.TriggerType = triggerType.String
	r.Public = public != 0
	if errCode.Valid {
		r.Error = &run.StepError{Code: errCode.String, Message: errMessage.String}
	}
	if slug.Valid {
		r.PublicMeta = &run.PublicMeta{
			Slug:      slug.String,
			IPHash:    ipHash.String,
			UserAgent: userAgent.String,
			Anonymous: anonymous != 0,
		}
	}
	if eventJSON.Valid && eventJSON.String != "" {
		if err := json.Unmarshal([]byte(eventJSON.String), &r.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
	}
	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &r.FinalState); err != nil {
			return nil, fmt.Errorf("unmarshal final state: %w", err)
		}
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		var doc stepsDoc
		if err := json.Unmarshal([]byte(stepsJSON.String), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		r.Steps = doc.Steps
		r.Paused = doc.Paused
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	return &r, nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
