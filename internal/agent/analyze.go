package agent

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/grounding"
	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/tools"
)

// AnalysisRequest is one question about one payload.
type AnalysisRequest struct {
	Query         string
	Payload       any
	Config        sandbox.Config
	MaxIterations int

	// Registry carries extra tools for the directing model. The session's
	// execute_code tool is added to it. Nil means execute_code only.
	Registry *tools.Registry
}

// Analysis is the outcome of Analyze. Grounded is set when the session was
// configured for grounding and the answer passed the check.
type Analysis struct {
	SessionID string
	Answer    string
	Grounded  *grounding.Result
	ToolCalls int
}

// Analyzer runs the directing model over a fresh session per request.
type Analyzer struct {
	Manager *sandbox.Manager
	Client  llm.Client
	Log     logrus.FieldLogger

	// Hooks forwarded to the agent, for CLIs that show progress.
	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name string, result string)

	// OnTextDelta, when set, switches the agent to streaming completions.
	OnTextDelta func(delta string)
}

// Analyze opens a session over req.Payload, lets the directing model work
// on req.Query, and closes the session. A grounding failure in reject mode
// is returned as an error alongside the raw answer.
func (z *Analyzer) Analyze(ctx context.Context, req AnalysisRequest) (*Analysis, error) {
	log := z.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := req.Config.WithDefaults()

	id, err := z.Manager.Create(req.Payload, cfg)
	if err != nil {
		return nil, err
	}
	defer z.Manager.Close(id)

	registry := req.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	registry.Add(tools.NewCodeTool(z.Manager, id))

	out := &Analysis{SessionID: id}
	a := New(z.Client, registry, req.MaxIterations)
	a.SetSystemPrompt(Instructions(cfg.SubModel != "", cfg.Grounded, cfg.CustomInstructions))
	a.OnToolCall = func(name string, args map[string]any) {
		out.ToolCalls++
		log.WithField("session", id).Debug(FormatToolCall(name, args))
		if z.OnToolCall != nil {
			z.OnToolCall(name, args)
		}
	}
	a.OnToolResult = z.OnToolResult

	a.OnTextDelta = z.OnTextDelta

	log.WithFields(logrus.Fields{
		"session":  id,
		"grounded": cfg.Grounded,
		"tools":    len(a.Tools()),
	}).Debug("analysis started")

	var answer string
	if z.OnTextDelta != nil {
		answer, err = a.RunStreaming(ctx, req.Query)
	} else {
		answer, err = a.Run(ctx, req.Query)
	}
	entry := log.WithField("session", id)
	entry.Debug(a.String())
	if entry.Logger.IsLevelEnabled(logrus.TraceLevel) {
		entry.Trace(a.HistoryJSON())
	}
	if err != nil {
		return nil, err
	}
	out.Answer = answer

	if !cfg.Grounded {
		return out, nil
	}

	sess, err := z.Manager.Get(id)
	if err != nil {
		return out, err
	}
	resp, err := grounding.Parse(answer)
	if err != nil {
		if cfg.GroundingMode == sandbox.GroundingReject {
			return out, fmt.Errorf("%w: %v", grounding.ErrGroundingMismatch, err)
		}
		log.WithError(err).Warn("answer is not a grounded response; returning it unchecked")
		return out, nil
	}
	res, err := grounding.Ground(resp, sess.Context(), grounding.Mode(cfg.GroundingMode))
	if err != nil {
		return out, err
	}
	if len(res.Dropped) > 0 {
		log.WithField("markers", res.Dropped).Warn("dropped citations not found in context")
	}
	out.Grounded = res
	return out, nil
}
