package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// gatedTool fails its requirement check until enabled.
type gatedTool struct {
	scriptedTool
	available bool
}

func (t *gatedTool) CheckRequirements() error {
	if !t.available {
		return errors.New("credentials missing")
	}
	return nil
}

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	registry := NewToolRegistry()
	tool := &scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	}
	registry.Register(tool)

	got, ok := registry.Get("echo")
	if !ok {
		t.Fatal("Get() should find registered tool")
	}
	if got.Name() != "echo" {
		t.Errorf("Name() = %q, want echo", got.Name())
	}

	registry.Unregister("echo")
	if _, ok := registry.Get("echo"); ok {
		t.Error("Get() should miss after Unregister")
	}
}

func TestToolRegistry_NamesSorted(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		registry.Register(&scriptedTool{name: name, execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{}, nil
		}})
	}

	names := registry.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestToolRegistry_AvailableFiltersRequirements(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&scriptedTool{name: "always", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{}, nil
	}})

	gated := &gatedTool{scriptedTool: scriptedTool{name: "gated"}}
	registry.Register(gated)

	available := registry.Available()
	if len(available) != 1 || available[0].Name() != "always" {
		t.Fatalf("Available() = %v, want only always", toolNames(available))
	}

	gated.available = true
	available = registry.Available()
	if len(available) != 2 {
		t.Fatalf("Available() = %v, want both tools", toolNames(available))
	}
}

func toolNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

func TestToolRegistry_ExecuteUnknownTool(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&scriptedTool{name: "echo", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "ok"}, nil
	}})
	registry.Register(&scriptedTool{name: "read_file", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "ok"}, nil
	}})

	result, err := registry.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v, unknown tool should be a result payload", err)
	}
	if !result.IsError {
		t.Fatal("unknown tool result should be an error payload")
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("payload %q is not valid JSON: %v", result.Content, err)
	}
	if !strings.Contains(payload.Error, "echo, read_file") {
		t.Errorf("payload %q should list available tools in order", payload.Error)
	}
}

func TestToolRegistry_ExecuteOversizedParams(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&scriptedTool{name: "echo", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "ok"}, nil
	}})

	big := make(json.RawMessage, MaxToolParamsSize+1)
	result, err := registry.Execute(context.Background(), "echo", big)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("oversized params should produce an error payload")
	}
}

func TestToolRegistry_ExecuteOverlongName(t *testing.T) {
	registry := NewToolRegistry()
	name := strings.Repeat("x", MaxToolNameLength+1)
	result, err := registry.Execute(context.Background(), name, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("overlong tool name should produce an error payload")
	}
}
