// Package store persists runs, tokens and trace events in libSQL. The
// coordinator works entirely from memory; the store is the durable record
// for inspection after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weftflow/weft/internal/token"
	"github.com/weftflow/weft/internal/trace"
	"github.com/weftflow/weft/pkg/schema"
)

// RunRecord is one persisted run row.
type RunRecord struct {
	ID              string            `json:"id"`
	RootRunID       string            `json:"root_run_id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion int               `json:"workflow_version"`
	Status          schema.RunStatus  `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// LibSQLStore persists coordinator state in a libSQL database (embedded
// SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/weft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SaveRun inserts or updates a run row.
func (s *LibSQLStore) SaveRun(ctx context.Context, runID, rootRunID, workflowID string, version int, status schema.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, root_run_id, workflow_id, workflow_version, status) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=CURRENT_TIMESTAMP`,
		runID, rootRunID, workflowID, version, string(status),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save run").WithCause(err)
	}
	return nil
}

// GetRun returns one run row.
func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	r := &RunRecord{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, root_run_id, workflow_id, workflow_version, status, created_at, updated_at
		 FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.RootRunID, &r.WorkflowID, &r.WorkflowVersion, &status, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get run").WithCause(err)
	}
	r.Status = schema.RunStatus(status)
	return r, nil
}

// ListRuns returns the runs belonging to a root run, the root itself first.
func (s *LibSQLStore) ListRuns(ctx context.Context, rootRunID string) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, root_run_id, workflow_id, workflow_version, status, created_at, updated_at
		 FROM runs WHERE root_run_id = ? ORDER BY created_at ASC`, rootRunID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var status string
		if err := rows.Scan(&r.ID, &r.RootRunID, &r.WorkflowID, &r.WorkflowVersion, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run").WithCause(err)
		}
		r.Status = schema.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveToken inserts or updates a token row.
func (s *LibSQLStore) SaveToken(ctx context.Context, runID string, tok *token.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, run_id, node_ref, path_id, parent_token_id, sibling_group_id, branch_index, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=CURRENT_TIMESTAMP`,
		tok.ID, runID, tok.NodeRef, tok.PathID, nullStr(tok.ParentTokenID), nullStr(tok.SiblingGroupID),
		tok.BranchIndex, string(tok.Status), tok.CreatedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save token").WithCause(err)
	}
	return nil
}

// ListTokens returns a run's tokens in creation order.
func (s *LibSQLStore) ListTokens(ctx context.Context, runID string) ([]*token.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_ref, path_id, parent_token_id, sibling_group_id, branch_index, status, created_at
		 FROM tokens WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list tokens").WithCause(err)
	}
	defer rows.Close()

	var out []*token.Token
	for rows.Next() {
		t := &token.Token{}
		var parent, group sql.NullString
		var status string
		if err := rows.Scan(&t.ID, &t.NodeRef, &t.PathID, &parent, &group, &t.BranchIndex, &status, &t.CreatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan token").WithCause(err)
		}
		t.ParentTokenID = parent.String
		t.SiblingGroupID = group.String
		t.Status = schema.TokenStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendTrace persists one trace event. Sequences are assigned by the
// in-memory recorder; the store only records them.
func (s *LibSQLStore) AppendTrace(ctx context.Context, event *trace.Event) error {
	payload, err := nullableJSON(event.Payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal trace payload").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trace_events (root_run_id, sequence, run_id, token_id, node_ref, kind, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RootRunID, event.Sequence, event.RunID, nullStr(event.TokenID), nullStr(event.NodeRef),
		event.Kind, payload, event.Timestamp,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert trace event").WithCause(err)
	}
	return nil
}

// GetTrace returns a root run's trace events with sequence > since, ordered
// by sequence.
func (s *LibSQLStore) GetTrace(ctx context.Context, rootRunID string, since int64) ([]*trace.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT root_run_id, sequence, run_id, token_id, node_ref, kind, payload, timestamp
		 FROM trace_events WHERE root_run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		rootRunID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "query trace").WithCause(err)
	}
	defer rows.Close()

	var out []*trace.Event
	for rows.Next() {
		e := &trace.Event{}
		var tokenID, nodeRef, payload sql.NullString
		if err := rows.Scan(&e.RootRunID, &e.Sequence, &e.RunID, &tokenID, &nodeRef, &e.Kind, &payload, &e.Timestamp); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan trace event").WithCause(err)
		}
		e.TokenID = tokenID.String
		e.NodeRef = nodeRef.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, schema.NewError(schema.ErrCodeStore, "decode trace payload").WithCause(err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ trace.Appender = (*LibSQLStore)(nil)

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
