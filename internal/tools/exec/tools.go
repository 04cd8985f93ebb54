package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/relaylabs/relay/internal/agent"
	"github.com/relaylabs/relay/internal/sessions"
)

// shellResourceName keys the shell inside a ToolSession.
const shellResourceName = "shell"

// TerminalTool runs shell commands in the conversation's persistent shell.
// The shell is created lazily through the ToolSession on first use, so a
// conversation that never touches the terminal never spawns a process.
type TerminalTool struct {
	session *sessions.ToolSession
	workdir string
	timeout time.Duration
}

// NewTerminalTool creates the terminal tool bound to one conversation's
// session. workdir roots the shell; empty means the process working
// directory.
func NewTerminalTool(session *sessions.ToolSession, workdir string, timeout time.Duration) *TerminalTool {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &TerminalTool{session: session, workdir: workdir, timeout: timeout}
}

func (t *TerminalTool) Name() string { return "terminal" }

func (t *TerminalTool) Description() string {
	return "Run a shell command. The shell persists across calls within this conversation: working directory, environment variables, and background jobs carry over."
}

func (t *TerminalTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default 60).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// CheckRequirements reports whether a shell is available at all.
func (t *TerminalTool) CheckRequirements() error {
	if _, err := exec.LookPath("sh"); err != nil {
		return fmt.Errorf("sh not found: %w", err)
	}
	return nil
}

// Command exposes the candidate command for risk classification.
func (t *TerminalTool) Command(params json.RawMessage) (string, bool) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return "", false
	}
	command := strings.TrimSpace(input.Command)
	return command, command != ""
}

func (t *TerminalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	res, err := t.session.Stateful(shellResourceName, func() (sessions.Resource, error) {
		return NewShell(t.workdir)
	})
	if err != nil {
		return toolError(err.Error()), nil
	}
	shell, ok := res.(*Shell)
	if !ok {
		return toolError("shell resource has unexpected type"), nil
	}

	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}

	result, err := shell.Run(ctx, command, timeout)
	if err != nil {
		return toolError(err.Error()), nil
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{
		Content: string(payload),
		IsError: result.ExitCode != 0,
	}, nil
}

func toolError(msg string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return &agent.ToolResult{Content: `{"error":"internal error"}`, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
