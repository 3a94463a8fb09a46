package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes a session's execute_code tool over MCP.
func NewMCPServer(tool *CodeTool, version string) *server.MCPServer {
	s := server.NewMCPServer("rlm-code-runner", version)

	def := tool.Definition()
	s.AddTool(mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Lua code to execute",
				},
			},
			Required: []string{"code"},
		},
	}, handleExecuteCode(tool))
	return s
}

// handleExecuteCode answers with the JSON result. IsError marks calls that
// never reached the engine; a snippet that failed is still a normal result.
func handleExecuteCode(tool *CodeTool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}
		text, err := tool.Call(ctx, args)
		if err != nil {
			return errResult("error: " + err.Error()), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		}, nil
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
