package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaylabs/relay/pkg/models"
)

// loopTestProvider allows control over model responses for loop testing.
type loopTestProvider struct {
	responses    [][]CompletionChunk
	currentCall  int32
	completeFunc func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.completeFunc != nil {
		return p.completeFunc(ctx, req)
	}

	call := int(atomic.AddInt32(&p.currentCall, 1)) - 1
	ch := make(chan *CompletionChunk, 10)

	go func() {
		defer close(ch)
		if call < len(p.responses) {
			for _, chunk := range p.responses[call] {
				chunk := chunk
				select {
				case ch <- &chunk:
				case <-ctx.Done():
					ch <- &CompletionChunk{Error: ctx.Err()}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *loopTestProvider) Name() string { return "loop-test" }

// scriptedTool executes an arbitrary function.
type scriptedTool struct {
	name     string
	command  string
	execFunc func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *scriptedTool) Name() string            { return t.name }
func (t *scriptedTool) Description() string     { return "scripted test tool" }
func (t *scriptedTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *scriptedTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.execFunc(ctx, params)
}

func (t *scriptedTool) Command(params json.RawMessage) (string, bool) {
	if t.command == "" {
		return "", false
	}
	return t.command, true
}

// recordingApprover records authorize calls and denies commands by substring.
type recordingApprover struct {
	denySubstring string
	calls         []string
}

func (a *recordingApprover) Authorize(ctx context.Context, taskID, command string) error {
	a.calls = append(a.calls, command)
	if a.denySubstring != "" && strings.Contains(command, a.denySubstring) {
		return errors.New("denied by operator")
	}
	return nil
}

func userMessages(content string) []CompletionMessage {
	return []CompletionMessage{{Role: "user", Content: content}}
}

func TestLoop_NoToolCalls(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{Text: "Hello, "}, {Text: "how can I help?"}, {Done: true}},
		},
	}

	loop := NewLoop(provider, NewToolRegistry(), nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("hi"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.FinalText != "Hello, how can I help?" {
		t.Errorf("FinalText = %q, want %q", res.FinalText, "Hello, how can I help?")
	}
	if res.Phase != PhaseDone {
		t.Errorf("Phase = %s, want %s", res.Phase, PhaseDone)
	}
	if !res.FinishedNaturally {
		t.Error("FinishedNaturally should be true")
	}
	if res.Turns != 1 {
		t.Errorf("Turns = %d, want 1", res.Turns)
	}
	if provider.currentCall != 1 {
		t.Errorf("provider called %d times, want 1", provider.currentCall)
	}
}

func TestLoop_SingleToolCall(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{
					ID:    "call-1",
					Name:  "echo",
					Input: json.RawMessage(`{"text": "test"}`),
				}},
				{Done: true},
			},
			{
				{Text: "The tool returned: test"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			var p struct {
				Text string `json:"text"`
			}
			json.Unmarshal(params, &p)
			return &ToolResult{Content: p.Text}, nil
		},
	})

	loop := NewLoop(provider, registry, nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("echo test"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.FinalText != "The tool returned: test" {
		t.Errorf("FinalText = %q, want %q", res.FinalText, "The tool returned: test")
	}
	if res.Turns != 2 {
		t.Errorf("Turns = %d, want 2", res.Turns)
	}

	// transcript: user, assistant(tool call), tool, assistant(final)
	if len(res.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(res.Messages))
	}
	if len(res.Messages[1].ToolCalls) != 1 {
		t.Errorf("assistant tool calls = %d, want 1", len(res.Messages[1].ToolCalls))
	}
	if res.Messages[2].Role != "tool" {
		t.Errorf("message 2 role = %s, want tool", res.Messages[2].Role)
	}
	if len(res.Messages[2].ToolResults) != 1 {
		t.Fatalf("tool results = %d, want 1", len(res.Messages[2].ToolResults))
	}
	if res.Messages[2].ToolResults[0].Content != "test" {
		t.Errorf("tool result = %q, want %q", res.Messages[2].ToolResults[0].Content, "test")
	}
}

func TestLoop_ToolResultsPreserveCallOrder(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-slow", Name: "slow", Input: json.RawMessage(`{}`)}},
				{ToolCall: &models.ToolCall{ID: "call-fast", Name: "fast", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "done"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "slow",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			time.Sleep(50 * time.Millisecond)
			return &ToolResult{Content: "slow result"}, nil
		},
	})
	registry.Register(&scriptedTool{
		name: "fast",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "fast result"}, nil
		},
	})

	loop := NewLoop(provider, registry, nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("run both"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	results := res.Messages[2].ToolResults
	if len(results) != 2 {
		t.Fatalf("got %d tool results, want 2", len(results))
	}
	if results[0].ToolCallID != "call-slow" || results[0].Content != "slow result" {
		t.Errorf("result 0 = %+v, want slow result first", results[0])
	}
	if results[1].ToolCallID != "call-fast" || results[1].Content != "fast result" {
		t.Errorf("result 1 = %+v, want fast result second", results[1])
	}
}

func TestLoop_ToolFailureContinues(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "broken", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "recovered"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "broken",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("disk on fire")
		},
	})

	loop := NewLoop(provider, registry, nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("try it"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.FinalText != "recovered" {
		t.Errorf("FinalText = %q, want %q", res.FinalText, "recovered")
	}
	if res.Phase != PhaseDone {
		t.Errorf("Phase = %s, want %s", res.Phase, PhaseDone)
	}

	results := res.Messages[2].ToolResults
	if len(results) != 1 {
		t.Fatalf("got %d tool results, want 1", len(results))
	}
	if !results[0].IsError {
		t.Error("tool result should be marked as error")
	}
	if !strings.Contains(results[0].Content, "disk on fire") {
		t.Errorf("error payload %q should mention the cause", results[0].Content)
	}
	if len(res.Faults) != 1 {
		t.Fatalf("got %d faults, want 1", len(res.Faults))
	}
	if res.Faults[0].ToolName != "broken" {
		t.Errorf("fault tool = %q, want broken", res.Faults[0].ToolName)
	}
}

func TestLoop_UnknownToolReportsAvailable(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "nope", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "ok"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "hi"}, nil
		},
	})

	loop := NewLoop(provider, registry, nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("call nope"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	result := res.Messages[2].ToolResults[0]
	if !result.IsError {
		t.Error("unknown tool result should be an error")
	}
	if !strings.Contains(result.Content, "echo") {
		t.Errorf("error payload %q should list available tools", result.Content)
	}
}

func TestLoop_IterationLimit(t *testing.T) {
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 2)
			ch <- &CompletionChunk{ToolCall: &models.ToolCall{
				ID:    "call",
				Name:  "echo",
				Input: json.RawMessage(`{}`),
			}}
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}

	registry := NewToolRegistry()
	var execCount int32
	registry.Register(&scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			atomic.AddInt32(&execCount, 1)
			return &ToolResult{Content: "again"}, nil
		},
	})

	loop := NewLoop(provider, registry, &LoopConfig{MaxIterations: 3})

	res, err := loop.Run(context.Background(), "task-1", userMessages("loop forever"))
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("Run() error = %v, want ErrIterationLimit", err)
	}
	if res == nil {
		t.Fatal("result should carry the transcript on abort")
	}
	if res.Phase != PhaseAborted {
		t.Errorf("Phase = %s, want %s", res.Phase, PhaseAborted)
	}
	if res.FinishedNaturally {
		t.Error("FinishedNaturally should be false")
	}
	if res.Turns != 3 {
		t.Errorf("Turns = %d, want 3", res.Turns)
	}
	if got := atomic.LoadInt32(&execCount); got != 3 {
		t.Errorf("tool executed %d times, want 3", got)
	}
}

func TestLoop_ToolCallLimitDrainsResponse(t *testing.T) {
	producerDone := make(chan struct{})
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk)
			go func() {
				defer close(ch)
				defer close(producerDone)
				for i := 0; i < MaxToolCallsPerIteration+8; i++ {
					ch <- &CompletionChunk{ToolCall: &models.ToolCall{
						ID:    fmt.Sprintf("call-%d", i),
						Name:  "echo",
						Input: json.RawMessage(`{}`),
					}}
				}
				ch <- &CompletionChunk{Done: true}
			}()
			return ch, nil
		},
	}

	loop := NewLoop(provider, NewToolRegistry(), nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("go"))
	if err == nil || !strings.Contains(err.Error(), "tool calls exceed maximum") {
		t.Fatalf("Run() error = %v, want tool call limit error", err)
	}
	if res.Phase != PhaseAborted {
		t.Errorf("Phase = %s, want %s", res.Phase, PhaseAborted)
	}

	// The producer must not stay blocked on send after the limit breach.
	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("response producer still blocked after Run returned")
	}
}

func TestLoop_ResponseSizeLimitDrainsResponse(t *testing.T) {
	producerDone := make(chan struct{})
	oversized := strings.Repeat("x", 1<<20)
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk)
			go func() {
				defer close(ch)
				defer close(producerDone)
				for i := 0; i < MaxResponseTextSize/len(oversized)+2; i++ {
					ch <- &CompletionChunk{Text: oversized}
				}
				ch <- &CompletionChunk{Done: true}
			}()
			return ch, nil
		},
	}

	loop := NewLoop(provider, NewToolRegistry(), nil)

	_, err := loop.Run(context.Background(), "task-1", userMessages("go"))
	if err == nil || !strings.Contains(err.Error(), "response text exceeds maximum") {
		t.Fatalf("Run() error = %v, want response size limit error", err)
	}

	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("response producer still blocked after Run returned")
	}
}

func TestLoop_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			ch := make(chan *CompletionChunk, 2)
			ch <- &CompletionChunk{ToolCall: &models.ToolCall{
				ID:    "call",
				Name:  "echo",
				Input: json.RawMessage(`{}`),
			}}
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			cancel()
			return &ToolResult{Content: "ok"}, nil
		},
	})

	loop := NewLoop(provider, registry, nil)

	res, err := loop.Run(ctx, "task-1", userMessages("go"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if res.Phase != PhaseAborted {
		t.Errorf("Phase = %s, want %s", res.Phase, PhaseAborted)
	}
}

func TestLoop_ApprovalDenialBecomesResult(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "terminal", Input: json.RawMessage(`{"command":"rm -rf /data"}`)}},
				{ToolCall: &models.ToolCall{ID: "call-2", Name: "terminal", Input: json.RawMessage(`{"command":"ls"}`)}},
				{Done: true},
			},
			{{Text: "understood"}, {Done: true}},
		},
	}

	var executed []string
	registry := NewToolRegistry()
	registry.Register(&commandParamTool{inner: &scriptedTool{
		name: "terminal",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			var p struct {
				Command string `json:"command"`
			}
			json.Unmarshal(params, &p)
			executed = append(executed, p.Command)
			return &ToolResult{Content: "ran " + p.Command}, nil
		},
	}})

	approver := &recordingApprover{denySubstring: "rm -rf"}
	loop := NewLoop(provider, registry, &LoopConfig{Approver: approver, ExecutorConfig: &ExecutorConfig{MaxConcurrency: 1}})

	res, err := loop.Run(context.Background(), "task-1", userMessages("clean up"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	results := res.Messages[2].ToolResults
	if len(results) != 2 {
		t.Fatalf("got %d tool results, want 2", len(results))
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "not approved") {
		t.Errorf("denied call result = %+v, want not-approved error", results[0])
	}
	if results[1].IsError || results[1].Content != "ran ls" {
		t.Errorf("approved call result = %+v, want successful ls", results[1])
	}
	if len(executed) != 1 || executed[0] != "ls" {
		t.Errorf("executed commands = %v, want only ls", executed)
	}
	if len(approver.calls) != 2 {
		t.Errorf("approver consulted %d times, want 2", len(approver.calls))
	}
	if len(res.Faults) != 1 {
		t.Errorf("got %d faults, want 1", len(res.Faults))
	}
}

// commandParamTool exposes the command from the call parameters.
type commandParamTool struct {
	inner *scriptedTool
}

func (t *commandParamTool) Name() string            { return t.inner.name }
func (t *commandParamTool) Description() string     { return t.inner.Description() }
func (t *commandParamTool) Schema() json.RawMessage { return t.inner.Schema() }
func (t *commandParamTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.inner.execFunc(ctx, params)
}

func (t *commandParamTool) Command(params json.RawMessage) (string, bool) {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Command == "" {
		return "", false
	}
	return p.Command, true
}

func TestLoop_ReasoningRetained(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{Reasoning: "the user wants an echo"},
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Reasoning: "tool succeeded"}, {Text: "all set"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	loop := NewLoop(provider, registry, nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("go"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(res.Reasoning) != 2 {
		t.Fatalf("got %d reasoning entries, want 2", len(res.Reasoning))
	}
	if res.Reasoning[0] != "the user wants an echo" {
		t.Errorf("reasoning[0] = %q", res.Reasoning[0])
	}
	if res.Messages[1].Reasoning != "the user wants an echo" {
		t.Errorf("assistant message reasoning = %q", res.Messages[1].Reasoning)
	}
}

func TestLoop_ProviderErrorAborts(t *testing.T) {
	provider := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}

	loop := NewLoop(provider, NewToolRegistry(), nil)

	res, err := loop.Run(context.Background(), "task-1", userMessages("hi"))
	if err == nil {
		t.Fatal("Run() should fail when the provider fails")
	}
	if res.Phase != PhaseAborted {
		t.Errorf("Phase = %s, want %s", res.Phase, PhaseAborted)
	}
}

func TestLoop_NoProvider(t *testing.T) {
	loop := NewLoop(nil, NewToolRegistry(), nil)
	if _, err := loop.Run(context.Background(), "task-1", userMessages("hi")); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("Run() error = %v, want ErrNoProvider", err)
	}
}

func TestLoop_EventsPublished(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "bye"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&scriptedTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	events := make(chan Event, 32)
	loop := NewLoop(provider, registry, &LoopConfig{Events: events})

	if _, err := loop.Run(context.Background(), "task-1", userMessages("go")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	close(events)

	var types []EventType
	for ev := range events {
		types = append(types, ev.Type)
	}

	want := []EventType{EventModelCall, EventToolStart, EventToolFinish, EventModelCall, EventRunDone}
	if len(types) != len(want) {
		t.Fatalf("got events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}
