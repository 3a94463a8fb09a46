package tools

import (
	"context"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/sandbox"
)

// ToolServerConfig describes an MCP tool server binary.
type ToolServerConfig struct {
	Binary  string            `mapstructure:"binary"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
}

// Tool is a tool implemented in-process.
type Tool interface {
	Definition() llm.ToolDef
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Result is the wire form of one execute_code call.
type Result struct {
	Status       string     `json:"status"`
	Stdout       string     `json:"stdout"`
	Stderr       string     `json:"stderr"`
	Error        *ErrorInfo `json:"error,omitempty"`
	Truncated    bool       `json:"truncated"`
	ElapsedMs    int64      `json:"elapsed_ms"`
	NewVariables []string   `json:"new_variables"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// FromExecution converts an engine result to its wire form.
func FromExecution(res *sandbox.ExecutionResult) Result {
	out := Result{
		Status:       string(res.Status),
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		Truncated:    res.Truncated,
		ElapsedMs:    res.Elapsed.Milliseconds(),
		NewVariables: res.NewVariables,
	}
	if out.NewVariables == nil {
		out.NewVariables = []string{}
	}
	if res.Error != nil {
		out.Error = &ErrorInfo{
			Kind:    string(res.Error.Kind),
			Message: res.Error.Message,
			Line:    res.Error.Line,
		}
	}
	return out
}
