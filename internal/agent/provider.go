package agent

import (
	"context"

	"github.com/relaylabs/relay/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// The model boundary is a pure request/response call: the loop sends the
// conversation plus tool schemas and receives either terminal text or tool
// calls, optionally with reasoning content. Implementations must be safe for
// concurrent use; multiple loop instances may call Complete simultaneously.
type LLMProvider interface {
	// Complete sends a completion request and returns a streaming response.
	// The channel is closed when the response is complete.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider default is used.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines tools the model may request to execute.
	Tools []Tool `json:"-"`

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
// Role values: "system", "user", "assistant", "tool".
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// Reasoning is model reasoning retained alongside an assistant turn.
	// It is never sent back to the model as a separate channel; providers
	// only read it for transcript export.
	Reasoning string `json:"reasoning,omitempty"`

	// ToolCalls contains tool execution requests from the assistant.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools. Each result's
	// correlation id matches a prior assistant tool call.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// Reasoning contains partial reasoning content when the provider emits it.
	Reasoning string `json:"reasoning,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred; the stream terminates after it.
	Error error `json:"-"`
}

// Approver resolves whether a risk-classified command may run for a session.
// Authorize blocks until a decision is available and returns nil to allow;
// a denial is reported through the returned error.
type Approver interface {
	Authorize(ctx context.Context, taskID, command string) error
}
