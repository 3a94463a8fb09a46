package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no stored session matches an id or prefix.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted summary of a sandbox session. Executions
// is derived from the execution log when reading.
type SessionRecord struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	ContextKind string    `json:"context_kind"`
	ContextSize int       `json:"context_size"`
	SubModel    string    `json:"sub_model,omitempty"`
	Executions  int       `json:"executions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExecutionRecord is one snippet run. Stdout and Stderr are stored as the
// engine returned them, already capped.
type ExecutionRecord struct {
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	Code         string    `json:"code"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorLine    int       `json:"error_line,omitempty"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	Truncated    bool      `json:"truncated"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	NewVariables []string  `json:"new_variables"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	State  string
	Limit  int
	Offset int
}

// Store is the persistence interface for the session history log.
type Store interface {
	// CreateSession inserts a session. Inserting an existing id is a no-op.
	CreateSession(ctx context.Context, s *SessionRecord) error

	// GetSession returns a session by ID or ID prefix.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]SessionRecord, error)

	// UpdateSessionState records a lifecycle transition.
	UpdateSessionState(ctx context.Context, id, state string, at time.Time) error

	// DeleteSession removes a session and its executions.
	DeleteSession(ctx context.Context, id string) error

	// AppendExecution adds one execution and bumps the session's updated_at.
	AppendExecution(ctx context.Context, e *ExecutionRecord) error

	// ListExecutions returns a session's executions in sequence order.
	ListExecutions(ctx context.Context, sessionID string) ([]ExecutionRecord, error)

	// Close releases resources.
	Close() error
}
