package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool is the interface implemented by all agent tools. Tools are registered
// by name and resolved by lookup at dispatch time.
type Tool interface {
	// Name returns the stable tool name the model calls it by.
	Name() string

	// Description returns the natural-language description offered to the model.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Failures are encoded in the result payload;
	// a non-nil error is reserved for infrastructure faults and is converted
	// to an error payload by the executor, never propagated to the model.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content string
	IsError bool
}

// RequirementChecker is implemented by tools with preconditions (credentials,
// binaries). A tool whose check fails is not offered to the model at all.
type RequirementChecker interface {
	CheckRequirements() error
}

// CommandTool is implemented by tools whose input carries a shell command
// subject to risk classification and approval. Command extracts the candidate
// command from the call parameters; ok is false when the parameters do not
// contain one.
type CommandTool interface {
	Command(params json.RawMessage) (command string, ok bool)
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry by its name, replacing any existing
// tool with the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns tools whose requirement checks pass, for offering to the
// model. Tools without a requirement check are always available.
func (r *ToolRegistry) Available() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if checker, ok := t.(RequirementChecker); ok {
			if err := checker.CheckRequirements(); err != nil {
				continue
			}
		}
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Execute runs a tool by name with the given JSON parameters. Unknown tools
// and oversized parameters produce error results, not errors, so the model
// can react to them.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: errorPayload(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: errorPayload(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: errorPayload(fmt.Sprintf("unknown tool %q; available tools: %s", name, strings.Join(r.Names(), ", "))),
			IsError: true,
		}, nil
	}
	return tool.Execute(ctx, params)
}

// errorPayload encodes a failure as a JSON payload for the tool boundary.
func errorPayload(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(data)
}
