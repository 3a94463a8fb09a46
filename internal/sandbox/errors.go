package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies an execution or session failure.
type Kind string

const (
	KindSessionNotFound        Kind = "SessionNotFound"
	KindConfigInvalid          Kind = "ConfigInvalid"
	KindUndefinedSymbol        Kind = "UndefinedSymbol"
	KindRuntimeFailure         Kind = "RuntimeFailure"
	KindTimeout                Kind = "Timeout"
	KindRecursionLimitExceeded Kind = "RecursionLimitExceeded"
	KindSecondaryModelFailure  Kind = "SecondaryModelFailure"
)

// Sentinel errors for errors.Is checks.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrConfigInvalid   = errors.New("invalid configuration")
)

// Error is a classified failure. Session and configuration failures are
// returned as Go errors; everything raised while a snippet runs ends up in
// ExecutionResult.Error instead.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Line is the 1-based snippet line, zero when unknown.
	Line int `json:"line,omitempty"`
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets session and configuration errors match their sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSessionNotFound:
		return e.Kind == KindSessionNotFound
	case ErrConfigInvalid:
		return e.Kind == KindConfigInvalid
	}
	return false
}

func sessionNotFound(id string) error {
	return &Error{Kind: KindSessionNotFound, Message: fmt.Sprintf("no open session %q", id)}
}

func configInvalid(format string, args ...any) error {
	return &Error{Kind: KindConfigInvalid, Message: fmt.Sprintf(format, args...)}
}

// raisedKinds are the kinds host functions may raise inside a snippet.
// Timeout is never taken from message text, only from the run context.
var raisedKinds = []Kind{
	KindUndefinedSymbol,
	KindRecursionLimitExceeded,
	KindSecondaryModelFailure,
	KindRuntimeFailure,
}

// raise formats a message the way host functions raise it into Lua.
func raise(kind Kind, format string, args ...any) string {
	return string(kind) + ": " + fmt.Sprintf(format, args...)
}

var (
	positionPrefix = regexp.MustCompile(`^(?:` + regexp.QuoteMeta(chunkName) + `:(\d+): )+`)
	syntaxLine     = regexp.MustCompile(`line[:(](\d+)`)
)

// classify turns a raw Lua error message into a kind, a clean message and
// the snippet line it was raised on.
func classify(msg string) *Error {
	e := &Error{Kind: KindRuntimeFailure}

	if loc := positionPrefix.FindString(msg); loc != "" {
		// Rethrown errors stack several prefixes; the last one is the origin.
		parts := strings.Split(strings.TrimSuffix(loc, ": "), ": ")
		last := parts[len(parts)-1]
		if n, err := strconv.Atoi(strings.TrimPrefix(last, chunkName+":")); err == nil {
			e.Line = n
		}
		msg = msg[len(loc):]
	}
	msg = strings.TrimLeft(msg, " ")

	for _, k := range raisedKinds {
		prefix := string(k) + ": "
		if strings.HasPrefix(msg, prefix) {
			e.Kind = k
			msg = strings.TrimPrefix(msg, prefix)
			break
		}
	}

	e.Message = strings.TrimSpace(msg)
	return e
}

// classifySyntax handles parser errors, which carry "line:N(column:M)"
// or "line(N)" instead of a chunk position prefix.
func classifySyntax(msg string) *Error {
	e := &Error{Kind: KindRuntimeFailure, Message: "syntax error: " + strings.TrimSpace(strings.TrimPrefix(msg, chunkName))}
	if m := syntaxLine.FindStringSubmatch(msg); m != nil {
		e.Line, _ = strconv.Atoi(m[1])
	}
	return e
}
