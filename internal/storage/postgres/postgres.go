// Package postgres provides a PostgreSQL implementation of storage.Store
// for server deployments. It uses pgx/v5 for connection pooling and JSONB
// for variable lists.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/storage"
)

// Store is a PostgreSQL-backed history store.
type Store struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

var _ storage.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, log: defaultLogger(log)}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

const sessionColumns = `s.id, s.state, s.context_kind, s.context_size, s.sub_model,
	(SELECT COUNT(*) FROM executions e WHERE e.session_id = s.id),
	s.created_at, s.updated_at`

func (s *Store) CreateSession(ctx context.Context, sess *storage.SessionRecord) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.State == "" {
		sess.State = "created"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, state, context_kind, context_size, sub_model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.State, sess.ContextKind, sess.ContextSize, sess.SubModel,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = $1`, id))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id LIKE $1 || '%' LIMIT 2`, id)
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
		return nil, fmt.Errorf("ambiguous session prefix %q", id)
	}
}

func (s *Store) ListSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.SessionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions s`
	args := []any{}
	if opts.State != "" {
		args = append(args, opts.State)
		query += fmt.Sprintf(` WHERE s.state = $%d`, len(args))
	}
	args = append(args, limit, opts.Offset)
	query += fmt.Sprintf(` ORDER BY s.updated_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *Store) UpdateSessionState(ctx context.Context, id, state string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET state = $1, updated_at = $2 WHERE id = $3`, state, at, id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	// Executions go with the session through ON DELETE CASCADE.
	_, err = s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sess.ID)
	return err
}

func (s *Store) AppendExecution(ctx context.Context, e *storage.ExecutionRecord) error {
	vars := e.NewVariables
	if vars == nil {
		vars = []string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("marshaling variables: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (session_id, seq, code, status, error_kind, error_message, error_line,
				stdout, stderr, truncated, elapsed_ms, new_variables, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.SessionID, e.Seq, e.Code, e.Status, e.ErrorKind, e.ErrorMessage, e.ErrorLine,
			e.Stdout, e.Stderr, e.Truncated, e.ElapsedMs, varsJSON, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}
		finished := e.CreatedAt.Add(time.Duration(e.ElapsedMs) * time.Millisecond)
		_, err = tx.Exec(ctx, `
			UPDATE sessions SET state = 'active', updated_at = $1 WHERE id = $2 AND state <> 'closed'`,
			finished, e.SessionID,
		)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		return nil
	})
}

func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]storage.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, code, status, error_kind, error_message, error_line,
			stdout, stderr, truncated, elapsed_ms, new_variables, created_at
		FROM executions WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []storage.ExecutionRecord
	for rows.Next() {
		var e storage.ExecutionRecord
		var vars []byte
		err := rows.Scan(&e.SessionID, &e.Seq, &e.Code, &e.Status, &e.ErrorKind, &e.ErrorMessage,
			&e.ErrorLine, &e.Stdout, &e.Stderr, &e.Truncated, &e.ElapsedMs, &vars, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		if err := json.Unmarshal(vars, &e.NewVariables); err != nil {
			return nil, fmt.Errorf("unmarshaling variables: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*storage.SessionRecord, error) {
	var sess storage.SessionRecord
	var executions int64
	err := row.Scan(&sess.ID, &sess.State, &sess.ContextKind, &sess.ContextSize,
		&sess.SubModel, &executions, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Executions = int(executions)
	return &sess, nil
}
