package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/michaelbrown/rlm/internal/grounding"
	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/tools"
)

// scriptedClient replays canned assistant messages and records what it was
// sent. Once the script runs out it repeats the last message.
type scriptedClient struct {
	mu      sync.Mutex
	script  []llm.Message
	calls   int
	systems []string
}

func (c *scriptedClient) ChatCompletion(_ context.Context, msgs []llm.Message, _ []llm.ToolDef) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systems = append(c.systems, msgs[0].Content)
	i := c.calls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.calls++
	return &llm.Response{Message: c.script[i]}, nil
}

func (c *scriptedClient) ChatCompletionStream(ctx context.Context, msgs []llm.Message, defs []llm.ToolDef, h llm.StreamHandler) (*llm.Response, error) {
	resp, err := c.ChatCompletion(ctx, msgs, defs)
	if err == nil && h != nil && resp.Message.Content != "" {
		h(resp.Message.Content)
	}
	return resp, err
}

func codeCall(id, code string) llm.Message {
	return llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID:   id,
			Name: tools.ExecuteCodeTool,
			Args: map[string]any{"code": code},
		}},
	}
}

func newManager(t *testing.T) *sandbox.Manager {
	t.Helper()
	m := sandbox.NewManager(sandbox.WithScratchRoot(t.TempDir()))
	t.Cleanup(m.CloseAll)
	return m
}

const haystack = "lorem ipsum. The magic number is 7421. dolor sit amet."

func TestRunExecutesCode(t *testing.T) {
	m := newManager(t)
	id, err := m.Create(haystack, sandbox.Config{})
	if err != nil {
		t.Fatal(err)
	}
	registry := tools.NewRegistry()
	registry.Add(tools.NewCodeTool(m, id))

	client := &scriptedClient{script: []llm.Message{
		codeCall("call_1", `print(re.find([[magic number is \d+]], context))`),
		llm.AssistantMessage("7421"),
	}}
	a := New(client, registry, 5)

	var seen []string
	a.OnToolResult = func(name, result string) { seen = append(seen, result) }

	answer, err := a.RunStreaming(context.Background(), "What is the magic number?")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "7421" {
		t.Errorf("answer = %q", answer)
	}
	if len(seen) != 1 || !strings.Contains(seen[0], "magic number is 7421") {
		t.Errorf("tool results = %v", seen)
	}

	// system, user, tool call, tool result, final answer
	h := a.History()
	if len(h) != 5 {
		t.Fatalf("history has %d messages, want 5", len(h))
	}
	if h[3].Role != llm.RoleTool || h[3].ToolCallID != "call_1" {
		t.Errorf("unexpected tool message: %+v", h[3])
	}

	a.Reset()
	if len(a.History()) != 1 {
		t.Errorf("reset left %d messages", len(a.History()))
	}
}

func TestRunMaxIterations(t *testing.T) {
	m := newManager(t)
	id, _ := m.Create("ctx", sandbox.Config{})
	registry := tools.NewRegistry()
	registry.Add(tools.NewCodeTool(m, id))

	client := &scriptedClient{script: []llm.Message{codeCall("c", "x = 1")}}
	_, err := New(client, registry, 3).Run(context.Background(), "loop forever")
	if err == nil || !strings.Contains(err.Error(), "max iterations (3)") {
		t.Fatalf("err = %v", err)
	}
	if client.calls != 3 {
		t.Errorf("model called %d times, want 3", client.calls)
	}
}

func TestRunUnknownTool(t *testing.T) {
	client := &scriptedClient{script: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c", Name: "shell_exec"}}},
		llm.AssistantMessage("done"),
	}}
	a := New(client, tools.NewRegistry(), 5)
	if _, err := a.Run(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if got := a.History()[3].Content; !strings.HasPrefix(got, "error: ") {
		t.Errorf("tool result = %q", got)
	}
}

func TestInstructions(t *testing.T) {
	tests := []struct {
		name               string
		delegation, ground bool
		custom             string
		want, notWant      []string
	}{
		{"base", false, false, "", []string{"execute_code", "context"}, []string{"llm_query", "grounding", "Additional instructions"}},
		{"delegation", true, false, "", []string{"llm_query(prompt)", "llm_query_batched"}, []string{"\"grounding\""}},
		{"grounded", false, true, "", []string{"\"grounding\"", "[1]"}, []string{"llm_query"}},
		{"custom", false, false, "  Answer in French.  ", []string{"## Additional instructions\n\nAnswer in French."}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Instructions(tt.delegation, tt.ground, tt.custom)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q", w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("unexpected %q", w)
				}
			}
		})
	}
}

func TestAnalyzeGrounded(t *testing.T) {
	final := llm.AssistantMessage("```json\n" +
		`{"info": "The number is 7421 [1] and it is blue [2].", "grounding": {"1": "The magic number is 7421", "2": "it is blue"}}` +
		"\n```")

	for _, mode := range []sandbox.GroundingMode{sandbox.GroundingDrop, sandbox.GroundingReject} {
		t.Run(string(mode), func(t *testing.T) {
			m := newManager(t)
			client := &scriptedClient{script: []llm.Message{
				codeCall("c1", `print(re.find([[The magic[^.]*]], context))`),
				final,
			}}
			z := &Analyzer{Manager: m, Client: client}

			res, err := z.Analyze(context.Background(), AnalysisRequest{
				Query:   "What is the magic number?",
				Payload: haystack,
				Config:  sandbox.Config{Grounded: true, GroundingMode: mode},
			})

			if !strings.Contains(client.systems[0], "\"grounding\"") {
				t.Error("grounding instructions missing from system prompt")
			}
			if len(m.List()) != 0 {
				t.Error("session left open after analysis")
			}

			if mode == sandbox.GroundingReject {
				if !errors.Is(err, grounding.ErrGroundingMismatch) {
					t.Fatalf("err = %v, want GroundingMismatch", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.ToolCalls != 1 {
				t.Errorf("tool calls = %d", res.ToolCalls)
			}
			if res.Grounded == nil || res.Grounded.Grounding["1"] != "The magic number is 7421" {
				t.Fatalf("grounded = %+v", res.Grounded)
			}
			if len(res.Grounded.Dropped) != 1 || res.Grounded.Dropped[0] != "2" {
				t.Errorf("dropped = %v", res.Grounded.Dropped)
			}
		})
	}
}

func TestAnalyzeStreams(t *testing.T) {
	m := newManager(t)
	client := &scriptedClient{script: []llm.Message{
		codeCall("c1", `print(#context)`),
		llm.AssistantMessage("It has 55 characters."),
	}}
	var streamed strings.Builder
	z := &Analyzer{
		Manager:     m,
		Client:      client,
		OnTextDelta: func(d string) { streamed.WriteString(d) },
	}

	res, err := z.Analyze(context.Background(), AnalysisRequest{
		Query:   "How long is it?",
		Payload: haystack,
	})
	if err != nil {
		t.Fatal(err)
	}
	if streamed.String() != res.Answer {
		t.Errorf("streamed %q, answer %q", streamed.String(), res.Answer)
	}
	if res.Grounded != nil {
		t.Error("ungrounded session returned a grounded result")
	}
}

func TestFormatToolCall(t *testing.T) {
	got := FormatToolCall("execute_code", map[string]any{"timeout": 5, "code": "print(1)"})
	if got != "execute_code(code=print(1), timeout=5)" {
		t.Errorf("got %q", got)
	}
}
