package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/sandbox"
)

// ExecuteCodeTool is the name the directing model calls.
const ExecuteCodeTool = "execute_code"

const executeCodeDescription = `Execute Lua 5.1 code in a sandboxed session.

## Environment
- A read-only ` + "`context`" + ` variable holds the data to analyze (a string, or tables for structured data; arrays are 1-based)
- Globals you assign persist between executions in the same session
- Use print() to show output and eprint() for diagnostics; if the last line is an expression its value is shown
- Output beyond the session limit is truncated, so print summaries and slices rather than whole documents

## Available helpers
- len, keys, values, sorted, defined, repr
- split, lines, trim, contains, startswith, endswith, join, chunk, substr
- string, table, math (standard Lua libraries; string.rep is size-bounded)
- json.encode, json.decode, json.query(doc, path) for gjson path queries
- re.match, re.find, re.find_all, re.split, re.replace (Go regular expressions)
- files.read, files.write, files.list, files.remove within the session scratch directory (context.txt or context.json holds the payload)
- pcall and error for error handling; load, require, io, os and debug are not available

## Best practices
1. Start by exploring the context: ` + "`print(type(context), len(context))`" + `
2. Break complex operations into smaller steps
3. Print intermediate results to check your assumptions
4. Wrap risky calls in pcall`

const delegationDescription = `

## Delegation
- llm_query(prompt [, {system=..., max_tokens=..., temperature=...}]) asks a secondary model and returns its text
- llm_query_batched({prompt1, prompt2, ...} [, opts]) runs several prompts concurrently and returns the answers in order
- Do not call llm_query in the first execution. Explore the context first and delegate only the sections that need semantic analysis`

// CodeTool runs snippets against one session.
type CodeTool struct {
	manager   *sandbox.Manager
	sessionID string
}

func NewCodeTool(m *sandbox.Manager, sessionID string) *CodeTool {
	return &CodeTool{manager: m, sessionID: sessionID}
}

func (t *CodeTool) SessionID() string { return t.sessionID }

// Definition describes execute_code. Delegation is only advertised when the
// session has a secondary model.
func (t *CodeTool) Definition() llm.ToolDef {
	desc := executeCodeDescription
	if s, err := t.manager.Get(t.sessionID); err == nil && s.Config().SubModel != "" {
		desc += delegationDescription
	}
	return llm.ToolDef{
		Name:        ExecuteCodeTool,
		Description: desc,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Lua code to execute",
				},
			},
			"required": []string{"code"},
		},
	}
}

// Run executes code and returns the wire result. The error return is
// reserved for an unknown or closed session.
func (t *CodeTool) Run(ctx context.Context, code string, timeout time.Duration) (Result, error) {
	res, err := t.manager.Execute(ctx, sandbox.ExecutionRequest{
		SessionID: t.sessionID,
		Code:      code,
		Timeout:   timeout,
	})
	if err != nil {
		return Result{}, err
	}
	return FromExecution(res), nil
}

// Call validates {code} and returns the JSON-encoded Result.
func (t *CodeTool) Call(ctx context.Context, args map[string]any) (string, error) {
	code, ok := args["code"].(string)
	if !ok || strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%s: missing required string argument \"code\"", ExecuteCodeTool)
	}
	res, err := t.Run(ctx, code, 0)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}
