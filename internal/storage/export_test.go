package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExportMarkdown(t *testing.T) {
	sess := &SessionRecord{
		ID:          "abc123",
		State:       "active",
		ContextKind: "text",
		ContextSize: 42,
		SubModel:    "ollama:qwen3",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	execs := []ExecutionRecord{
		{Seq: 1, Code: "x = 1\n", Status: "success", NewVariables: []string{"x"}},
		{Seq: 2, Code: "print(y)", Status: "error", ErrorKind: "UndefinedSymbol", ErrorMessage: "name 'y' is not defined", Stderr: "warn"},
	}

	md := ExportMarkdown(sess, execs)
	for _, want := range []string{
		"# Session abc123",
		"- **Sub model:** ollama:qwen3",
		"- **Created:** 2026-01-02 03:04:05",
		"## Execution 1 (success, 0ms)",
		"```lua\nx = 1\n```",
		"New variables: `x`",
		"<summary>Errors</summary>",
		"**UndefinedSymbol:** name 'y' is not defined",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(&SessionRecord{ID: "s1"}, nil)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var got struct {
		Session    SessionRecord     `json:"session"`
		Executions []ExecutionRecord `json:"executions"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Session.ID != "s1" || got.Executions == nil {
		t.Errorf("export = %s", data)
	}
}
