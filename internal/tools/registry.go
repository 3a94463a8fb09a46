package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/michaelbrown/rlm/internal/llm"
)

// Registry routes tool calls to in-process tools and MCP tool servers.
type Registry struct {
	local       map[string]Tool           // tool name → local tool
	connections map[string]*MCPConnection // server name → connection
	toolIndex   map[string]string         // tool name → server name
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		local:       make(map[string]Tool),
		connections: make(map[string]*MCPConnection),
		toolIndex:   make(map[string]string),
	}
}

// Add registers an in-process tool. It shadows any MCP tool of the same name.
func (r *Registry) Add(t Tool) {
	r.local[t.Definition().Name] = t
}

// Register launches an MCP tool server and adds its tools to the registry.
func (r *Registry) Register(name string, cfg ToolServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	var env []string
	env = append(env, os.Environ()...)
	for k, v := range cfg.Env {
		// Expand environment variable references like ${VAR}
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}

	conn, err := NewMCPConnection(name, cfg.Binary, env)
	if err != nil {
		return err
	}
	r.addConnection(name, conn)
	return nil
}

// Attach adds the tools of an already started MCP client.
func (r *Registry) Attach(ctx context.Context, name string, c *client.Client) error {
	conn, err := connect(ctx, name, c)
	if err != nil {
		return err
	}
	r.addConnection(name, conn)
	return nil
}

func (r *Registry) addConnection(name string, conn *MCPConnection) {
	if old, ok := r.connections[name]; ok {
		old.Close()
	}
	r.connections[name] = conn
	for _, def := range conn.ToolDefs() {
		r.toolIndex[def.Name] = name
	}
}

// AllTools returns local tool definitions followed by those of each MCP
// server, ordered by name.
func (r *Registry) AllTools() []llm.ToolDef {
	var all []llm.ToolDef
	for _, name := range sortedKeys(r.local) {
		all = append(all, r.local[name].Definition())
	}
	for _, name := range sortedKeys(r.connections) {
		for _, def := range r.connections[name].ToolDefs() {
			if _, shadowed := r.local[def.Name]; !shadowed {
				all = append(all, def)
			}
		}
	}
	return all
}

// CallTool routes a tool call to a local tool or the owning MCP server.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if t, ok := r.local[name]; ok {
		return t.Call(ctx, args)
	}
	serverName, ok := r.toolIndex[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return r.connections[serverName].CallTool(ctx, name, args)
}

// HasTools returns true if any tools are registered.
func (r *Registry) HasTools() bool {
	return len(r.local) > 0 || len(r.toolIndex) > 0
}

// Close shuts down all MCP server connections.
func (r *Registry) Close() {
	for _, conn := range r.connections {
		conn.Close()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
