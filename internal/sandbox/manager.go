package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/llm"
)

// CompleterResolver maps a sub_model name to a client.
type CompleterResolver interface {
	Resolve(subModel string) (llm.Completer, error)
}

// StaticCompleters resolves sub_model names from a fixed map.
type StaticCompleters map[string]llm.Completer

func (s StaticCompleters) Resolve(name string) (llm.Completer, error) {
	c, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("unknown sub model %q", name)
	}
	return c, nil
}

// Manager owns every open session. It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	completers  CompleterResolver
	observer    Observer
	policy      Policy
	scratchRoot string
	log         logrus.FieldLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCompleters sets how sub_model names are resolved. Without it, any
// session that names a sub model is rejected.
func WithCompleters(r CompleterResolver) Option {
	return func(m *Manager) { m.completers = r }
}

// WithObserver registers the observer all sessions report to.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithPolicy overrides the capability allowlist.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithScratchRoot sets where per-session scratch directories are created.
func WithScratchRoot(dir string) Option {
	return func(m *Manager) { m.scratchRoot = dir }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		policy:   DefaultPolicy(),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a session bound to payload, which must be text or decoded
// JSON-like data. Zero config fields take their defaults.
func (m *Manager) Create(payload any, cfg Config) (string, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	var completer llm.Completer
	if cfg.SubModel != "" {
		if m.completers == nil {
			return "", configInvalid("sub_model %q is set but no model providers are configured", cfg.SubModel)
		}
		c, err := m.completers.Resolve(cfg.SubModel)
		if err != nil {
			return "", configInvalid("resolving sub_model %q: %v", cfg.SubModel, err)
		}
		completer = c
	}

	payload, err := normalizePayload(payload)
	if err != nil {
		return "", configInvalid("context: %v", err)
	}

	id := uuid.NewString()
	scratch, err := os.MkdirTemp(m.scratchRoot, "rlm-"+id[:8]+"-")
	if err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	if _, err := writeContextFile(scratch, payload); err != nil {
		os.RemoveAll(scratch)
		return "", fmt.Errorf("writing context file: %w", err)
	}

	s, err := newSession(id, payload, cfg, m.policy, scratch, completer, m.observer)
	if err != nil {
		os.RemoveAll(scratch)
		return "", fmt.Errorf("creating session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	info := s.Info()
	m.log.WithFields(logrus.Fields{
		"session":      id,
		"context_kind": info.ContextKind,
		"context_size": info.ContextSize,
		"sub_model":    cfg.SubModel,
	}).Debug("session created")
	s.emit(Event{Type: EventSessionCreated, Session: &info})
	return id, nil
}

// normalizePayload accepts text or decoded data. Anything else is passed
// through a JSON round trip so the session only ever sees plain data.
func normalizePayload(payload any) (any, error) {
	switch p := payload.(type) {
	case nil:
		return "", nil
	case string, map[string]any, []any:
		return p, nil
	case []byte:
		return string(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.State() == StateClosed {
		return nil, sessionNotFound(id)
	}
	return s, nil
}

// List returns open sessions, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Execute runs one snippet. The returned error is reserved for an unknown
// or closed session; every failure of the snippet itself is reported in
// the result.
func (m *Manager) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	s, err := m.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return &ExecutionResult{
			Status:       StatusError,
			Error:        &Error{Kind: KindTimeout, Message: "cancelled while waiting for the previous execution"},
			NewVariables: []string{},
		}, nil
	}

	timeout := s.cfg.CodeTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}

	res, fatal := s.execute(ctx, req.Code, timeout)
	if fatal {
		m.log.WithField("session", s.id).Warn("closing session after internal interpreter failure")
		m.Close(s.id)
	}
	return res, nil
}

// Reset clears user bindings. The context and capabilities are rebound.
func (m *Manager) Reset(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.reset(ctx)
}

// Close releases a session. Later calls with its id fail with
// SessionNotFound.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return sessionNotFound(id)
	}
	s.close()
	m.log.WithField("session", id).Debug("session closed")
	return nil
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// IsNotFound reports whether err is a SessionNotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
