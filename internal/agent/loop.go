package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaylabs/relay/pkg/models"
)

// Phase identifies the loop's current state.
type Phase string

const (
	PhaseAwaitingModel  Phase = "awaiting_model"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseDone           Phase = "done"
	PhaseAborted        Phase = "aborted"
)

// MaxToolCallsPerIteration bounds the number of tool calls accepted from a
// single model response.
const MaxToolCallsPerIteration = 32

// MaxResponseTextSize bounds the accumulated text of a single model response.
const MaxResponseTextSize = 4 << 20

// LoopConfig configures the conversation loop.
type LoopConfig struct {
	// MaxIterations bounds the number of think/act cycles.
	// Default: 60
	MaxIterations int

	// MaxWallTime bounds total run duration (0 = no limit).
	MaxWallTime time.Duration

	// MaxTokens is the max tokens per model response. 0 uses provider default.
	MaxTokens int

	// Model and System are the defaults sent with every completion request.
	Model  string
	System string

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig

	// Approver resolves approval for risk-classified commands. When nil,
	// command tools run without an approval gate (sandboxed deployments).
	Approver Approver

	// Events receives loop progress events. Sends never block.
	Events chan<- Event

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	cfg := LoopConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 60
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = DefaultExecutorConfig()
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// Loop drives the bounded think/act cycle for one conversation at a time.
//
// The loop is an explicit state machine:
//
//	AwaitingModel -> ExecutingTools -> AwaitingModel -> ... -> Done
//	                                                       \-> Aborted
//
// Cancellation is observed at the start of every state transition. A single
// Loop is safe for concurrent Run calls; each run carries its own state.
type Loop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	config   *LoopConfig
}

// NewLoop creates a conversation loop with the given provider and tool
// registry. If config is nil, defaults are used.
func NewLoop(provider LLMProvider, registry *ToolRegistry, config *LoopConfig) *Loop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, config.ExecutorConfig),
		config:   config,
	}
}

// ConfigureTool sets per-tool executor overrides.
func (l *Loop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// Registry returns the loop's tool registry.
func (l *Loop) Registry() *ToolRegistry {
	return l.registry
}

// RunResult is the outcome of one loop run.
type RunResult struct {
	// Messages is the full transcript including the input messages.
	Messages []CompletionMessage

	// FinalText is the terminal assistant text when the run finished naturally.
	FinalText string

	// Turns is the number of model calls made.
	Turns int

	// Phase is the terminal phase: PhaseDone or PhaseAborted.
	Phase Phase

	// FinishedNaturally is true when the model stopped calling tools on its
	// own rather than hitting an iteration or cancellation bound.
	FinishedNaturally bool

	// Reasoning holds per-turn reasoning content, empty strings for turns
	// without any.
	Reasoning []string

	// Faults records tool execution failures observed during the run.
	Faults []ToolFault
}

// Run executes the loop until the model produces a terminal text response or
// a bound is reached. The returned RunResult always carries the transcript as
// far as the run progressed; the error is non-nil only for aborted runs
// (ErrIterationLimit, context cancellation, or a model boundary failure).
func (l *Loop) Run(ctx context.Context, taskID string, messages []CompletionMessage) (*RunResult, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}

	if l.config.MaxWallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
		defer cancel()
	}

	res := &RunResult{
		Messages: append([]CompletionMessage(nil), messages...),
		Phase:    PhaseAwaitingModel,
	}

	for turn := 0; turn < l.config.MaxIterations; turn++ {
		if err := ctx.Err(); err != nil {
			return l.abort(res, taskID, err)
		}

		res.Phase = PhaseAwaitingModel
		publish(l.config.Events, Event{Type: EventModelCall, TaskID: taskID, Turn: turn + 1})

		text, reasoning, toolCalls, err := l.awaitModel(ctx, res.Messages)
		if err != nil {
			return l.abort(res, taskID, fmt.Errorf("model call failed on turn %d: %w", turn+1, err))
		}
		res.Turns = turn + 1
		res.Reasoning = append(res.Reasoning, reasoning)

		if len(toolCalls) == 0 {
			res.Messages = append(res.Messages, CompletionMessage{
				Role:      "assistant",
				Content:   text,
				Reasoning: reasoning,
			})
			res.FinalText = text
			res.Phase = PhaseDone
			res.FinishedNaturally = true
			publish(l.config.Events, Event{Type: EventRunDone, TaskID: taskID, Turn: res.Turns})
			l.config.Logger.Debug("loop finished naturally", "task_id", taskID, "turns", res.Turns)
			return res, nil
		}

		res.Messages = append(res.Messages, CompletionMessage{
			Role:      "assistant",
			Content:   text,
			Reasoning: reasoning,
			ToolCalls: toolCalls,
		})

		if err := ctx.Err(); err != nil {
			return l.abort(res, taskID, err)
		}

		res.Phase = PhaseExecutingTools
		toolResults := l.executeTools(ctx, taskID, turn+1, toolCalls, res)
		res.Messages = append(res.Messages, CompletionMessage{
			Role:        "tool",
			ToolResults: toolResults,
		})
	}

	return l.abort(res, taskID, fmt.Errorf("%w: %d", ErrIterationLimit, l.config.MaxIterations))
}

func (l *Loop) abort(res *RunResult, taskID string, err error) (*RunResult, error) {
	res.Phase = PhaseAborted
	publish(l.config.Events, Event{Type: EventRunAborted, TaskID: taskID, Turn: res.Turns})
	if errors.Is(err, ErrIterationLimit) {
		l.config.Logger.Info("loop hit iteration limit", "task_id", taskID, "turns", res.Turns)
	} else {
		l.config.Logger.Warn("loop aborted", "task_id", taskID, "turns", res.Turns, "error", err)
	}
	return res, err
}

// awaitModel sends the conversation and tool schemas to the model and
// collects the complete response.
func (l *Loop) awaitModel(ctx context.Context, messages []CompletionMessage) (text, reasoning string, toolCalls []models.ToolCall, err error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  messages,
		Tools:     l.registry.Available(),
		MaxTokens: l.config.MaxTokens,
	}

	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", "", nil, err
	}

	// On any failure the channel must still be drained: the producer owns
	// the underlying stream and only closes it once it can finish sending.
	var textBuilder, reasoningBuilder strings.Builder
	var recvErr error
	for chunk := range completion {
		if recvErr != nil {
			continue
		}
		if chunk.Error != nil {
			recvErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				recvErr = fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
				continue
			}
			textBuilder.WriteString(chunk.Text)
		}
		if chunk.Reasoning != "" {
			reasoningBuilder.WriteString(chunk.Reasoning)
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				recvErr = fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
				continue
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}
	if recvErr != nil {
		return "", "", nil, recvErr
	}

	return textBuilder.String(), reasoningBuilder.String(), toolCalls, nil
}

// executeTools runs the turn's tool calls and returns results in the original
// call order, regardless of completion order. Approval for risk-classified
// commands is resolved sequentially before any execution is dispatched; a
// denial becomes a result payload, never an aborted run.
func (l *Loop) executeTools(ctx context.Context, taskID string, turn int, toolCalls []models.ToolCall, res *RunResult) []models.ToolResult {
	results := make([]models.ToolResult, len(toolCalls))
	allowed := make([]models.ToolCall, 0, len(toolCalls))
	allowedToOriginal := make([]int, 0, len(toolCalls))

	for i := range toolCalls {
		if toolCalls[i].ID == "" {
			toolCalls[i].ID = uuid.NewString()
		}
		tc := toolCalls[i]

		if refusal, denied := l.checkApproval(ctx, taskID, tc); denied {
			results[i] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    refusal,
				IsError:    true,
			}
			res.Faults = append(res.Faults, ToolFault{
				Turn:      turn,
				ToolName:  tc.Name,
				Arguments: truncateArgs(tc.Input),
				Message:   "command not approved",
			})
			publish(l.config.Events, Event{Type: EventToolFinish, TaskID: taskID, Turn: turn, ToolName: tc.Name, ToolCallID: tc.ID, IsError: true})
			continue
		}

		allowed = append(allowed, tc)
		allowedToOriginal = append(allowedToOriginal, i)
		publish(l.config.Events, Event{Type: EventToolStart, TaskID: taskID, Turn: turn, ToolName: tc.Name, ToolCallID: tc.ID})
	}

	execResults := l.executor.ExecuteAll(ctx, allowed)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := toolCalls[origIdx]

		switch {
		case r == nil:
			results[origIdx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    errorPayload("tool execution failed"),
				IsError:    true,
			}
		case r.Error != nil:
			results[origIdx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    errorPayload(r.Error.Error()),
				IsError:    true,
			}
			res.Faults = append(res.Faults, ToolFault{
				Turn:      turn,
				ToolName:  tc.Name,
				Arguments: truncateArgs(tc.Input),
				Message:   r.Error.Error(),
			})
		case r.Result != nil:
			results[origIdx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    r.Result.Content,
				IsError:    r.Result.IsError,
			}
			if r.Result.IsError {
				res.Faults = append(res.Faults, ToolFault{
					Turn:      turn,
					ToolName:  tc.Name,
					Arguments: truncateArgs(tc.Input),
					Message:   r.Result.Content,
				})
			}
		default:
			results[origIdx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    errorPayload("tool returned no result"),
				IsError:    true,
			}
		}
		publish(l.config.Events, Event{Type: EventToolFinish, TaskID: taskID, Turn: turn, ToolName: tc.Name, ToolCallID: tc.ID, IsError: results[origIdx].IsError})
	}

	return results
}

// checkApproval resolves the approval gate for a command tool call. It
// returns a refusal payload when the call is denied.
func (l *Loop) checkApproval(ctx context.Context, taskID string, tc models.ToolCall) (refusal string, denied bool) {
	if l.config.Approver == nil {
		return "", false
	}
	tool, ok := l.registry.Get(tc.Name)
	if !ok {
		return "", false
	}
	cmdTool, ok := tool.(CommandTool)
	if !ok {
		return "", false
	}
	command, ok := cmdTool.Command(tc.Input)
	if !ok || command == "" {
		return "", false
	}

	if err := l.config.Approver.Authorize(ctx, taskID, command); err != nil {
		return errorPayload(fmt.Sprintf("command not approved: %v", err)), true
	}
	return "", false
}

func truncateArgs(input []byte) string {
	const limit = 200
	if len(input) <= limit {
		return string(input)
	}
	return string(input[:limit])
}
