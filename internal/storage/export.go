package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a session and its executions as a markdown document.
func ExportMarkdown(sess *SessionRecord, execs []ExecutionRecord) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Session %s\n\n", sess.ID))
	b.WriteString(fmt.Sprintf("- **State:** %s\n", sess.State))
	b.WriteString(fmt.Sprintf("- **Context:** %s, %d\n", sess.ContextKind, sess.ContextSize))
	if sess.SubModel != "" {
		b.WriteString(fmt.Sprintf("- **Sub model:** %s\n", sess.SubModel))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Executions:** %d\n", len(execs)))
	b.WriteString("\n---\n\n")

	for _, e := range execs {
		b.WriteString(fmt.Sprintf("## Execution %d (%s, %dms)\n\n", e.Seq, e.Status, e.ElapsedMs))
		b.WriteString(fmt.Sprintf("```lua\n%s\n```\n\n", strings.TrimRight(e.Code, "\n")))
		if e.Stdout != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>Output</summary>\n\n```\n%s\n```\n</details>\n\n", strings.TrimRight(e.Stdout, "\n")))
		}
		if e.Stderr != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>Errors</summary>\n\n```\n%s\n```\n</details>\n\n", strings.TrimRight(e.Stderr, "\n")))
		}
		if e.ErrorKind != "" {
			b.WriteString(fmt.Sprintf("**%s:** %s\n\n", e.ErrorKind, e.ErrorMessage))
		}
		if len(e.NewVariables) > 0 {
			b.WriteString(fmt.Sprintf("New variables: `%s`\n\n", strings.Join(e.NewVariables, "`, `")))
		}
	}

	return b.String()
}

// ExportJSON renders a session and its executions as formatted JSON.
func ExportJSON(sess *SessionRecord, execs []ExecutionRecord) ([]byte, error) {
	if execs == nil {
		execs = []ExecutionRecord{}
	}
	export := struct {
		Session    *SessionRecord    `json:"session"`
		Executions []ExecutionRecord `json:"executions"`
	}{
		Session:    sess,
		Executions: execs,
	}
	return json.MarshalIndent(export, "", "  ")
}
