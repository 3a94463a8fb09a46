package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/michaelbrown/rlm/internal/llm"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateReset   State = "reset"
	StateClosed  State = "closed"
)

// Status is the outcome of one execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ExecutionRequest is one snippet to run. A positive Timeout shortens the
// session's code timeout for this request; it never lengthens it.
type ExecutionRequest struct {
	SessionID string
	Code      string
	Timeout   time.Duration
}

// ExecutionResult is what a run produced. Stdout and Stderr are already
// capped and carry the truncation marker when Truncated is set.
type ExecutionResult struct {
	Status       Status        `json:"status"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	Error        *Error        `json:"error,omitempty"`
	Truncated    bool          `json:"truncated"`
	Elapsed      time.Duration `json:"elapsed"`
	NewVariables []string      `json:"new_variables"`
}

// HistoryEntry records one execution against a session.
type HistoryEntry struct {
	Seq    int             `json:"seq"`
	Code   string          `json:"code"`
	Result ExecutionResult `json:"result"`
	At     time.Time       `json:"at"`
}

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	ContextKind string    `json:"context_kind"`
	ContextSize int       `json:"context_size"`
	SubModel    string    `json:"sub_model,omitempty"`
	Executions  int       `json:"executions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session owns one namespace. Executions against it run one at a time.
type Session struct {
	id          string
	cfg         Config
	payload     any
	contextKind string
	contextSize int
	scratch     string
	policy      Policy
	completer   llm.Completer
	observer    Observer

	// slot is held by whichever goroutine is using the Lua state, including
	// a worker that is still unwinding after its caller timed out.
	slot chan struct{}

	mu      sync.Mutex
	state   State
	interp  *interp
	seq     int
	history []HistoryEntry
	created time.Time
	updated time.Time
}

func newSession(id string, payload any, cfg Config, policy Policy, scratch string, completer llm.Completer, observer Observer) (*Session, error) {
	now := time.Now()
	s := &Session{
		id:        id,
		cfg:       cfg,
		payload:   payload,
		scratch:   scratch,
		policy:    policy,
		completer: completer,
		observer:  observer,
		slot:      make(chan struct{}, 1),
		state:     StateCreated,
		created:   now,
		updated:   now,
	}
	s.contextKind, s.contextSize = describePayload(payload)

	in, err := s.newInterp()
	if err != nil {
		return nil, err
	}
	s.interp = in
	return s, nil
}

func (s *Session) newInterp() (*interp, error) {
	var b *bridge
	if s.completer != nil {
		b = &bridge{completer: s.completer, cfg: s.cfg, emit: s.emit}
	}
	return newInterp(s.payload, s.policy, s.scratch, b)
}

func describePayload(payload any) (string, int) {
	if text, ok := payload.(string); ok {
		return "text", utf8.RuneCountInString(text)
	}
	b, _ := json.Marshal(payload)
	return "structured", len(b)
}

func (s *Session) emit(e Event) {
	if s.observer == nil {
		return
	}
	e.SessionID = s.id
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.observer.OnEvent(e)
}

func (s *Session) ID() string { return s.id }

func (s *Session) Config() Config { return s.cfg }

// Context returns the payload the session was created with.
func (s *Session) Context() any { return s.payload }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		State:       s.state,
		ContextKind: s.contextKind,
		ContextSize: s.contextSize,
		SubModel:    s.cfg.SubModel,
		Executions:  s.seq,
		CreatedAt:   s.created,
		UpdatedAt:   s.updated,
	}
}

// History returns a copy of the execution log.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Variables snapshots the user namespace. It waits for any running
// snippet to finish.
func (s *Session) Variables(ctx context.Context) (map[string]any, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.interp.variables(), nil
}

// Preview renders each user binding the way the REPL displays values,
// cut to limit characters. Names starting with "_" are left out.
func (s *Session) Preview(ctx context.Context, limit int) (map[string]string, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.interp.previews(limit), nil
}

// acquire takes the execution slot, failing if the session is closed by
// the time it gets it.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.State() == StateClosed {
		s.release()
		return sessionNotFound(s.id)
	}
	return nil
}

func (s *Session) release() { <-s.slot }

// timeoutGrace is how long execute waits past the deadline for the worker
// to report what it bound before the interrupt.
const timeoutGrace = 250 * time.Millisecond

// execute runs code with the slot already held. The slot is released by
// the worker, which may outlive this call when the deadline passes first.
func (s *Session) execute(ctx context.Context, code string, timeout time.Duration) (*ExecutionResult, bool) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.emit(Event{Type: EventSnippetSubmitted, Seq: seq, Code: code})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in := s.interp
	before := in.names()
	out := newOutput(s.cfg.TruncateOutputChars)
	start := time.Now()

	type outcome struct {
		err   *Error
		fatal bool
		after []string
	}
	done := make(chan outcome, 1)
	go func() {
		defer s.release()
		err, fatal := in.run(runCtx, code, out)
		done <- outcome{err: err, fatal: fatal, after: in.names()}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		// The VM stops at its next instruction, so the worker usually
		// reports within the grace period. A worker blocked in a host call
		// is left to unwind on its own and its bindings go unreported.
		grace := time.NewTimer(timeoutGrace)
		select {
		case o = <-done:
		case <-grace.C:
			o.err = &Error{Kind: KindTimeout}
		}
		grace.Stop()
	}

	res := &ExecutionResult{
		Status:       StatusSuccess,
		Elapsed:      time.Since(start),
		NewVariables: newNames(before, o.after),
	}
	var truncOut, truncErr bool
	res.Stdout, truncOut = out.stdout.Result()
	res.Stderr, truncErr = out.stderr.Result()
	res.Truncated = truncOut || truncErr

	if o.err != nil {
		res.Status = StatusError
		res.Error = o.err
		if o.err.Kind == KindTimeout {
			res.Error.Message = timeoutMessage(ctx, timeout)
		}
		if o.fatal {
			res.Error.Message += "; the session has been closed"
		}
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateActive
	}
	s.updated = time.Now()
	s.history = append(s.history, HistoryEntry{Seq: seq, Code: code, Result: *res, At: start})
	s.mu.Unlock()

	s.emit(Event{Type: EventSnippetCompleted, Seq: seq, Code: code, Result: res})
	return res, o.fatal
}

func timeoutMessage(ctx context.Context, timeout time.Duration) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return "execution cancelled"
	}
	return fmt.Sprintf("execution exceeded the %s time limit", timeout)
}

// newNames returns names present in after but not before.
func newNames(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}
	out := []string{}
	for _, n := range after {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// reset swaps in a fresh Lua state bound to the same payload.
func (s *Session) reset(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	in, err := s.newInterp()
	if err != nil {
		return fmt.Errorf("rebuilding session state: %w", err)
	}
	s.interp.close()
	s.interp = in

	s.mu.Lock()
	s.state = StateReset
	s.updated = time.Now()
	s.mu.Unlock()
	s.emit(Event{Type: EventSessionReset})
	return nil
}

// close marks the session closed, then releases the Lua state and scratch
// directory once no worker holds them.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.updated = time.Now()
	s.mu.Unlock()

	s.slot <- struct{}{}
	s.interp.close()
	os.RemoveAll(s.scratch)
	s.release()

	s.emit(Event{Type: EventSessionClosed})
}
