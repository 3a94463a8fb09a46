package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/rlm/internal/grounding"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/tools"
)

// --- JSON helpers ---

// writeJSON encodes v before writing the header so an encoding failure
// still produces a 500 with a body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(map[string]string{"error": "encoding response: " + err.Error()})
	}
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSandboxError maps manager errors to status codes.
func writeSandboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sandbox.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sandbox.ErrConfigInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Session handlers ---

// sessionConfig overrides the server's sandbox defaults for one session.
// Durations are Go duration strings ("30s").
type sessionConfig struct {
	CodeTimeout              string  `json:"code_timeout"`
	TruncateOutputChars      int     `json:"truncate_output_chars"`
	SubModel                 *string `json:"sub_model"`
	MaxDelegationDepth       *int    `json:"max_delegation_depth"`
	DelegationTimeout        string  `json:"delegation_timeout"`
	MaxConcurrentDelegations int     `json:"max_concurrent_delegations"`
	CustomInstructions       string  `json:"custom_instructions"`
	Grounded                 *bool   `json:"grounded"`
	GroundingMode            string  `json:"grounding_mode"`
}

func (c *sessionConfig) apply(base sandbox.Config) (sandbox.Config, error) {
	if c == nil {
		return base, nil
	}
	cfg := base
	if c.CodeTimeout != "" {
		d, err := time.ParseDuration(c.CodeTimeout)
		if err != nil {
			return cfg, fmt.Errorf("code_timeout: %w", err)
		}
		cfg.CodeTimeout = d
	}
	if c.DelegationTimeout != "" {
		d, err := time.ParseDuration(c.DelegationTimeout)
		if err != nil {
			return cfg, fmt.Errorf("delegation_timeout: %w", err)
		}
		cfg.DelegationTimeout = d
	}
	if c.TruncateOutputChars != 0 {
		cfg.TruncateOutputChars = c.TruncateOutputChars
	}
	if c.SubModel != nil {
		cfg.SubModel = *c.SubModel
	}
	if c.MaxDelegationDepth != nil {
		cfg.MaxDelegationDepth = sandbox.Depth(*c.MaxDelegationDepth)
	}
	if c.MaxConcurrentDelegations != 0 {
		cfg.MaxConcurrentDelegations = c.MaxConcurrentDelegations
	}
	if c.CustomInstructions != "" {
		cfg.CustomInstructions = c.CustomInstructions
	}
	if c.Grounded != nil {
		cfg.Grounded = *c.Grounded
	}
	if c.GroundingMode != "" {
		cfg.GroundingMode = sandbox.GroundingMode(c.GroundingMode)
	}
	return cfg, nil
}

type createSessionRequest struct {
	Context any            `json:"context"`
	Config  *sessionConfig `json:"config"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	cfg, err := req.Config.apply(s.cfg.Sandbox)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ConfigInvalid: "+err.Error())
		return
	}

	id, err := s.manager.Create(req.Context, cfg)
	if err != nil {
		writeSandboxError(w, err)
		return
	}
	sess, err := s.manager.Get(id)
	if err != nil {
		writeSandboxError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSandboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Close(chi.URLParam(r, "id")); err != nil {
		writeSandboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSandboxError(w, err)
		return
	}
	vars, err := sess.Variables(r.Context())
	if err != nil {
		writeSandboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vars)
}

type executeRequest struct {
	Code string `json:"code"`

	// TimeoutMs shortens the session's code timeout for this request.
	TimeoutMs int64 `json:"timeout_ms"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	res, err := s.manager.Execute(r.Context(), sandbox.ExecutionRequest{
		SessionID: chi.URLParam(r, "id"),
		Code:      req.Code,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeSandboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools.FromExecution(res))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSandboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory serves the persisted execution log. Without a store it
// falls back to the in-memory history of an open session.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.store == nil {
		sess, err := s.manager.Get(id)
		if err != nil {
			writeSandboxError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.History())
		return
	}

	rec, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []storage.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// --- Grounding ---

// groundRequest carries either raw model output (Response) or an already
// parsed answer. The quotes are checked against SessionID's context when
// given, otherwise against Context.
type groundRequest struct {
	Response  string            `json:"response"`
	Info      string            `json:"info"`
	Grounding map[string]string `json:"grounding"`
	Context   any               `json:"context"`
	SessionID string            `json:"session_id"`
	Mode      string            `json:"mode"`
}

func (s *Server) handleGround(w http.ResponseWriter, r *http.Request) {
	var req groundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := grounding.Response{Info: req.Info, Grounding: req.Grounding}
	if req.Response != "" {
		parsed, err := grounding.Parse(req.Response)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp = parsed
	}

	payload := req.Context
	if req.SessionID != "" {
		sess, err := s.manager.Get(req.SessionID)
		if err != nil {
			writeSandboxError(w, err)
			return
		}
		payload = sess.Context()
	}

	mode := grounding.Mode(req.Mode)
	if mode == "" {
		mode = grounding.Mode(s.cfg.Sandbox.WithDefaults().GroundingMode)
	}
	if mode != grounding.ModeDrop && mode != grounding.ModeReject {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ConfigInvalid: unknown grounding mode %q", mode))
		return
	}

	res, err := grounding.Ground(resp, payload, mode)
	if err != nil {
		var mismatch *grounding.MismatchError
		if errors.As(err, &mismatch) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   err.Error(),
				"markers": mismatch.Markers,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
