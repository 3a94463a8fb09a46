package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Format renders a result for a human or a model reading a transcript.
func Format(r Result) string {
	return FormatWithVariables(r, nil)
}

// FormatWithVariables is Format followed by a listing of the session's
// bindings, as returned by Session.Preview.
func FormatWithVariables(r Result, preview map[string]string) string {
	var parts []string
	if strings.TrimSpace(r.Stdout) != "" {
		parts = append(parts, "Output:\n"+r.Stdout)
	}
	if strings.TrimSpace(r.Stderr) != "" {
		parts = append(parts, "Errors:\n"+r.Stderr)
	}
	if r.Error != nil {
		head := "Error (" + r.Error.Kind
		if r.Error.Line > 0 {
			head += fmt.Sprintf(", line %d", r.Error.Line)
		}
		parts = append(parts, head+"): "+r.Error.Message)
	}
	if len(r.NewVariables) > 0 {
		parts = append(parts, "New variables: "+strings.Join(r.NewVariables, ", "))
	}
	if len(preview) > 0 {
		names := make([]string, 0, len(preview))
		for name := range preview {
			names = append(names, name)
		}
		sort.Strings(names)
		lines := []string{"Variables:"}
		for _, name := range names {
			lines = append(lines, "  "+name+" = "+preview[name])
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(parts) == 0 {
		parts = append(parts, "Code executed successfully (no output)")
	}
	parts = append(parts, fmt.Sprintf("Execution time: %.3fs", float64(r.ElapsedMs)/1000))
	return strings.Join(parts, "\n\n")
}
