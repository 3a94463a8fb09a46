package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/tools"
)

// Agent manages a conversation with the directing model and executes the
// ReAct loop over the tools in its registry.
type Agent struct {
	llm          llm.Client
	registry     *tools.Registry
	history      []llm.Message
	tools        []llm.ToolDef
	maxIter      int
	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name string, result string)
	OnTextDelta  func(delta string)
}

// New creates an Agent with the given client, tool registry and iteration
// limit. The system prompt defaults to Instructions(false, false, "").
func New(client llm.Client, registry *tools.Registry, maxIterations int) *Agent {
	if maxIterations <= 0 {
		maxIterations = 20
	}
	a := &Agent{
		llm:      client,
		registry: registry,
		maxIter:  maxIterations,
		history: []llm.Message{
			llm.SystemMessage(Instructions(false, false, "")),
		},
	}
	if registry != nil {
		a.tools = registry.AllTools()
	}
	return a
}

// SetSystemPrompt overrides the default system prompt.
func (a *Agent) SetSystemPrompt(prompt string) {
	if prompt != "" {
		a.history[0] = llm.SystemMessage(prompt)
	}
}

// Run sends a user message and executes the full ReAct loop.
// Returns the final assistant text response.
func (a *Agent) Run(ctx context.Context, userMessage string) (string, error) {
	return a.run(ctx, userMessage, func(ctx context.Context) (*llm.Response, error) {
		return a.llm.ChatCompletion(ctx, a.history, a.tools)
	})
}

// RunStreaming is like Run but streams text output token-by-token via OnTextDelta.
func (a *Agent) RunStreaming(ctx context.Context, userMessage string) (string, error) {
	return a.run(ctx, userMessage, func(ctx context.Context) (*llm.Response, error) {
		return a.llm.ChatCompletionStream(ctx, a.history, a.tools, a.OnTextDelta)
	})
}

func (a *Agent) run(ctx context.Context, userMessage string, complete func(context.Context) (*llm.Response, error)) (string, error) {
	a.history = append(a.history, llm.UserMessage(userMessage))

	for i := 0; i < a.maxIter; i++ {
		resp, err := complete(ctx)
		if err != nil {
			return "", fmt.Errorf("llm call (iteration %d): %w", i+1, err)
		}

		a.history = append(a.history, resp.Message)

		// No tool calls means the model is done
		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			if a.OnToolCall != nil {
				a.OnToolCall(tc.Name, tc.Args)
			}

			result := a.executeTool(ctx, tc)

			if a.OnToolResult != nil {
				a.OnToolResult(tc.Name, result)
			}

			a.history = append(a.history, llm.ToolResultMessage(tc.ID, result))
		}
	}

	return "", fmt.Errorf("agent reached max iterations (%d) without a final response", a.maxIter)
}

// executeTool dispatches a tool call to the registry. Failures go back to
// the model as text so it can correct itself.
func (a *Agent) executeTool(ctx context.Context, tc llm.ToolCall) string {
	if a.registry == nil {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}
	result, err := a.registry.CallTool(ctx, tc.Name, tc.Args)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return result
}

// Tools returns the tool definitions offered to the model.
func (a *Agent) Tools() []llm.ToolDef {
	return a.tools
}

// History returns the current conversation history.
func (a *Agent) History() []llm.Message {
	return a.history
}

// HistoryJSON returns the conversation as formatted JSON (for debugging).
func (a *Agent) HistoryJSON() string {
	data, _ := json.MarshalIndent(a.history, "", "  ")
	return string(data)
}

// Reset clears conversation history (keeps system prompt).
func (a *Agent) Reset() {
	a.history = a.history[:1]
}

// String returns a summary of the agent state.
func (a *Agent) String() string {
	return fmt.Sprintf("Agent(tools=%d, history=%d messages, maxIter=%d)",
		len(a.tools), len(a.history), a.maxIter)
}

// FormatToolCall returns a human-readable string for a tool call, with
// arguments in name order.
func FormatToolCall(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
