package postgres

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		state        TEXT NOT NULL DEFAULT 'created'
		             CHECK (state IN ('created','active','reset','closed')),
		context_kind TEXT NOT NULL DEFAULT '',
		context_size INTEGER NOT NULL DEFAULT 0,
		sub_model    TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

	CREATE TABLE IF NOT EXISTS executions (
		session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq           INTEGER NOT NULL,
		code          TEXT NOT NULL,
		status        TEXT NOT NULL,
		error_kind    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		error_line    INTEGER NOT NULL DEFAULT 0,
		stdout        TEXT NOT NULL DEFAULT '',
		stderr        TEXT NOT NULL DEFAULT '',
		truncated     BOOLEAN NOT NULL DEFAULT false,
		elapsed_ms    BIGINT NOT NULL DEFAULT 0,
		new_variables JSONB NOT NULL DEFAULT '[]',
		created_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`,
}

// migrate applies pending migrations in order, recording each version in
// schema_migrations.
func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		version := i + 1

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			version,
		).Scan(&exists)
		// Fails before the first migration creates the table.
		if err != nil {
			exists = false
		}
		if exists {
			continue
		}

		s.log.WithField("version", version).Info("applying migration")

		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING",
			version,
		); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
	}
	return nil
}

func defaultLogger(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}
