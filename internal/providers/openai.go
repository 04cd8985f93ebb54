package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaylabs/relay/internal/agent"
	"github.com/relaylabs/relay/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider against any OpenAI-compatible
// chat-completions endpoint. Responses are always streamed; tool call deltas
// are accumulated by index and emitted once complete. Reasoning content, when
// the backend produces it, is forwarded as separate chunks.
//
// Safe for concurrent use; each Complete call owns its own stream.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	maxRetries int
	retryDelay time.Duration
}

// Options configures an OpenAIProvider beyond the API key.
type Options struct {
	// BaseURL overrides the API endpoint for OpenAI-compatible backends.
	BaseURL string

	// Name overrides the provider identifier. Default: "openai".
	Name string

	// MaxRetries caps stream-open retry attempts. Default: 3.
	MaxRetries int

	// RetryDelay is the linear backoff base. Default: 1s.
	RetryDelay time.Duration
}

// NewOpenAIProvider creates a provider. An empty API key is allowed for
// delayed configuration; Complete fails until a key is set.
func NewOpenAIProvider(apiKey string, opts *Options) *OpenAIProvider {
	p := &OpenAIProvider{
		name:       "openai",
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if opts != nil {
		if opts.Name != "" {
			p.name = opts.Name
		}
		if opts.MaxRetries > 0 {
			p.maxRetries = opts.MaxRetries
		}
		if opts.RetryDelay > 0 {
			p.retryDelay = opts.RetryDelay
		}
	}

	if apiKey != "" {
		cfg := openai.DefaultConfig(apiKey)
		if opts != nil && opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		p.client = openai.NewClientWithConfig(cfg)
	}
	return p
}

// Name returns the provider identifier used for routing and logging.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete sends a streaming completion request and returns a channel of
// chunks. The returned error covers request setup only; streaming failures
// arrive as chunk errors.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("completion request failed: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("completion request failed after %d attempts: %w", p.maxRetries, lastErr)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream consumes the stream and converts deltas to completion chunks.
// Tool calls arrive fragmented across deltas and are keyed by index until the
// finish reason reports them complete.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	var order []int

	flush := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.CompletionChunk{Done: true}
				return
			}
			chunks <- &agent.CompletionChunk{Error: err, Done: true}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			chunks <- &agent.CompletionChunk{Reasoning: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args := string(pending[index].Input) + tc.Function.Arguments
				pending[index].Input = json.RawMessage(args)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertMessages maps the agent transcript to the wire format. The system
// prompt goes first; each tool result becomes its own role-tool message
// linked by tool call ID.
func convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			// one bad schema must not break function calling for the rest
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// isRetryable reports whether a stream-open failure is worth retrying.
// Rate limits, 5xx responses, and timeouts are transient; auth and
// validation failures are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset")
}
