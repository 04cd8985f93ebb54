package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrIterationLimit indicates the loop exceeded its iteration bound.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")
)

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorExecution    ToolErrorType = "execution"
)

// ToolError wraps a tool execution failure with its category and call id.
type ToolError struct {
	ToolName   string
	ToolCallID string
	Type       ToolErrorType
	Cause      error
}

// NewToolError creates a ToolError for the named tool.
func NewToolError(toolName string, cause error) *ToolError {
	return &ToolError{
		ToolName: toolName,
		Type:     ToolErrorExecution,
		Cause:    cause,
	}
}

// WithType sets the error category.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the originating tool call id.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed (%s): %v", e.ToolName, e.Type, e.Cause)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ToolFault records a tool execution failure observed during a loop run.
// Faults are informational; the loop never aborts on a single tool failure.
type ToolFault struct {
	Turn      int
	ToolName  string
	Arguments string
	Message   string
}
