package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relaylabs/relay/internal/agent"
	"github.com/relaylabs/relay/pkg/models"
)

func TestConvertMessages_SystemFirst(t *testing.T) {
	msgs := convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
	}, "be brief")

	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("first message = %+v, want system prompt", msgs[0])
	}
	if msgs[1].Role != "user" {
		t.Errorf("second message role = %s, want user", msgs[1].Role)
	}
}

func TestConvertMessages_ToolResultsFanOut(t *testing.T) {
	msgs := convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "run it"},
		{
			Role:    "assistant",
			Content: "",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"a":1}`)},
				{ID: "call-2", Name: "echo", Input: json.RawMessage(`{"a":2}`)},
			},
		},
		{
			Role: "tool",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call-1", Content: "one"},
				{ToolCallID: "call-2", Content: "two"},
			},
		},
	}, "")

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 2 {
		t.Errorf("assistant tool calls = %d, want 2", len(msgs[1].ToolCalls))
	}
	if msgs[1].ToolCalls[0].Function.Name != "echo" {
		t.Errorf("tool call name = %q, want echo", msgs[1].ToolCalls[0].Function.Name)
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call-1" || msgs[2].Content != "one" {
		t.Errorf("first tool message = %+v", msgs[2])
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "call-2" || msgs[3].Content != "two" {
		t.Errorf("second tool message = %+v", msgs[3])
	}
}

type fakeTool struct {
	name   string
	schema string
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool" }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{}, nil
}

func TestConvertTools(t *testing.T) {
	tools := convertTools([]agent.Tool{
		&fakeTool{name: "weather", schema: `{"type":"object","properties":{"city":{"type":"string"}}}`},
		&fakeTool{name: "broken", schema: `not json`},
	})

	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Function.Name != "weather" {
		t.Errorf("name = %q, want weather", tools[0].Function.Name)
	}

	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("broken schema parameters = %T, want map fallback", tools[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("fallback schema = %v, want empty object schema", params)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"rate limit exceeded", true},
		{"context deadline exceeded", true},
		{"read tcp: connection reset by peer", true},
		{"invalid api key", false},
		{"model not found", false},
	}
	for _, tc := range cases {
		if got := isRetryable(errString(tc.msg)); got != tc.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
	if isRetryable(nil) {
		t.Error("isRetryable(nil) should be false")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
