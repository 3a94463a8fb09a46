package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/michaelbrown/rlm/internal/llm"
)

const clientVersion = "0.1.0"

// MCPConnection is an initialized client for one MCP tool server together
// with the tool definitions it advertised at connect time.
type MCPConnection struct {
	name   string
	client *client.Client
	defs   []llm.ToolDef
}

// NewMCPConnection starts binary as a stdio MCP server and connects to it.
func NewMCPConnection(name, binary string, env []string) (*MCPConnection, error) {
	c, err := client.NewStdioMCPClient(binary, env)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s (%s): %w", name, binary, err)
	}
	return connect(context.Background(), name, c)
}

// connect performs the MCP handshake and lists tools. c is closed on
// failure.
func connect(ctx context.Context, name string, c *client.Client) (*MCPConnection, error) {
	hello := mcp.InitializeRequest{}
	hello.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	hello.Params.ClientInfo = mcp.Implementation{Name: "rlm", Version: clientVersion}
	if _, err := c.Initialize(ctx, hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	conn := &MCPConnection{name: name, client: c}
	for _, t := range listed.Tools {
		conn.defs = append(conn.defs, toolDef(t))
	}
	return conn, nil
}

func toolDef(t mcp.Tool) llm.ToolDef {
	schema := map[string]any{"type": t.InputSchema.Type}
	if t.InputSchema.Properties != nil {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return llm.ToolDef{Name: t.Name, Description: t.Description, Parameters: schema}
}

// ToolDefs returns the server's tools in the order it listed them.
func (mc *MCPConnection) ToolDefs() []llm.ToolDef { return mc.defs }

// CallTool invokes a tool and flattens its text content. A result flagged
// as an error is returned as text prefixed with "error: " so the directing
// model sees it, matching local tool failures.
func (mc *MCPConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := mc.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}
	return resultText(res), nil
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		tc, ok := c.(mcp.TextContent)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(tc.Text)
	}
	text := b.String()
	if res.IsError && !strings.HasPrefix(text, "error: ") {
		return "error: " + text
	}
	return text
}

func (mc *MCPConnection) Close() {
	mc.client.Close()
}
