// Package tools defines the tools available to the model and executes
// the tool calls it issues.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Server names the MCP server that owns the tool. Empty for local
	// built-ins.
	Server string `json:"server,omitempty"`

	// Handler runs a local tool with decoded arguments.
	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`

	// RawHandler receives the argument JSON exactly as the model sent it.
	// When set it takes precedence over Handler. MCP-backed tools use it
	// so argument conversion happens on the transport side.
	RawHandler func(ctx context.Context, argsJSON string) (string, error) `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the OpenAI function-calling format, sorted
// by name. The result is never nil.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return functionName(result[i]) < functionName(result[j])
	})
	return result
}

// SchemaJSON renders List as indented JSON for inclusion in a system
// prompt. An empty registry renders as "[]".
func (r *Registry) SchemaJSON() (string, error) {
	data, err := json.MarshalIndent(r.List(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func functionName(entry map[string]any) string {
	fn, _ := entry["function"].(map[string]any)
	name, _ := fn["name"].(string)
	return name
}
