package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/rlm/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each connection to ":memory:" is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const sessionColumns = `s.id, s.state, s.context_kind, s.context_size, s.sub_model,
	(SELECT COUNT(*) FROM executions e WHERE e.session_id = s.id),
	s.created_at, s.updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *storage.SessionRecord) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.State == "" {
		sess.State = "created"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, context_kind, context_size, sub_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.State, sess.ContextKind, sess.ContextSize, sess.SubModel,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var matches []*storage.SessionRecord
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session prefix %q matches %d sessions", id, len(matches))
	}
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.SessionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions s`
	var args []any

	if opts.State != "" {
		query += ` WHERE s.state = ?`
		args = append(args, opts.State)
	}

	query += ` ORDER BY s.updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.SessionRecord
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id, state string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
		state, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	// Resolve prefix first
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	// Delete executions first (foreign key), then session
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sess.ID)
	return err
}

func (s *SQLiteStore) AppendExecution(ctx context.Context, e *storage.ExecutionRecord) error {
	vars, err := json.Marshal(nonNil(e.NewVariables))
	if err != nil {
		return fmt.Errorf("marshaling variables: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (session_id, seq, code, status, error_kind, error_message, error_line,
			stdout, stderr, truncated, elapsed_ms, new_variables, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Seq, e.Code, e.Status, e.ErrorKind, e.ErrorMessage, e.ErrorLine,
		e.Stdout, e.Stderr, e.Truncated, e.ElapsedMs, string(vars), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET state = 'active', updated_at = ? WHERE id = ? AND state <> 'closed'`,
		formatTime(e.CreatedAt.Add(time.Duration(e.ElapsedMs)*time.Millisecond)), e.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, sessionID string) ([]storage.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, code, status, error_kind, error_message, error_line,
			stdout, stderr, truncated, elapsed_ms, new_variables, created_at
		FROM executions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []storage.ExecutionRecord
	for rows.Next() {
		var e storage.ExecutionRecord
		var vars, createdAt string
		err := rows.Scan(&e.SessionID, &e.Seq, &e.Code, &e.Status, &e.ErrorKind, &e.ErrorMessage,
			&e.ErrorLine, &e.Stdout, &e.Stderr, &e.Truncated, &e.ElapsedMs, &vars, &createdAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vars), &e.NewVariables); err != nil {
			return nil, fmt.Errorf("unmarshaling variables: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*storage.SessionRecord, error) {
	var sess storage.SessionRecord
	var createdAt, updatedAt string
	err := s.Scan(&sess.ID, &sess.State, &sess.ContextKind, &sess.ContextSize,
		&sess.SubModel, &sess.Executions, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}

// formatTime produces fixed-width UTC timestamps so that text ordering
// matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
