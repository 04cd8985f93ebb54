package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Scope is the lifetime of an approval decision.
type Scope string

const (
	// ScopeOnce allows this occurrence only; the same command asks again.
	ScopeOnce Scope = "once"

	// ScopeSession allows the command for the rest of the session.
	ScopeSession Scope = "session"

	// ScopeAlways persists the command to the shared allowlist.
	ScopeAlways Scope = "always"

	// ScopeDeny refuses the command.
	ScopeDeny Scope = "deny"
)

// ErrDenied is returned when a command is refused. Callers convert it into a
// tool-result payload rather than aborting the conversation.
var ErrDenied = errors.New("command denied")

// Request carries the context a Prompter needs to ask for a decision.
type Request struct {
	TaskID  string
	Command string
	Rule    string
	Reason  string
}

// Prompter resolves an approval decision from the calling surface. Decide
// blocks until a decision is made or ctx is cancelled; there is no hard
// timeout, but implementations must honor cancellation.
type Prompter interface {
	Decide(ctx context.Context, req *Request) (Scope, error)
}

// refusalExplainer is implemented by prompters that attach a user-facing
// explanation to a denial, such as how to approve the command out of band.
type refusalExplainer interface {
	Refusal(req *Request) string
}

// Engine resolves whether a command may run. Safe commands and sandboxed
// backends pass unconditionally; dangerous commands consult, in order, the
// persisted allowlist, session-scoped grants, and finally the Prompter.
//
// Engine implements agent.Approver and is safe for concurrent use across
// sessions. Session grants are keyed by task ID and never leak between them.
type Engine struct {
	allowlist *AllowlistStore
	prompter  Prompter
	sandboxed bool
	logger    *slog.Logger

	mu     sync.Mutex
	grants map[string]map[string]struct{}
}

// NewEngine creates an approval engine. If sandboxed is true, every command
// is allowed without consulting the allowlist or the prompter.
func NewEngine(allowlist *AllowlistStore, prompter Prompter, sandboxed bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		allowlist: allowlist,
		prompter:  prompter,
		sandboxed: sandboxed,
		logger:    logger,
		grants:    make(map[string]map[string]struct{}),
	}
}

// Authorize resolves the approval gate for one command in one session.
// A nil return allows execution; ErrDenied (possibly wrapped) refuses it.
func (e *Engine) Authorize(ctx context.Context, taskID, command string) error {
	c := Classify(command)
	if !c.Dangerous {
		return nil
	}
	if e.sandboxed {
		e.logger.Debug("dangerous command allowed by sandbox", "task_id", taskID, "rule", c.Rule)
		return nil
	}

	if e.allowlist != nil {
		ok, err := e.allowlist.Matches(command)
		if err != nil {
			return fmt.Errorf("allowlist check: %w", err)
		}
		if ok {
			e.logger.Debug("dangerous command allowed by allowlist", "task_id", taskID, "rule", c.Rule)
			return nil
		}
	}

	if e.hasSessionGrant(taskID, command) {
		return nil
	}

	if e.prompter == nil {
		return fmt.Errorf("%w: %s", ErrDenied, c.Reason)
	}

	req := &Request{
		TaskID:  taskID,
		Command: command,
		Rule:    c.Rule,
		Reason:  c.Reason,
	}
	scope, err := e.prompter.Decide(ctx, req)
	if err != nil {
		return fmt.Errorf("approval prompt: %w", err)
	}

	switch scope {
	case ScopeOnce:
		e.logger.Info("command approved once", "task_id", taskID, "rule", c.Rule)
		return nil
	case ScopeSession:
		e.addSessionGrant(taskID, command)
		e.logger.Info("command approved for session", "task_id", taskID, "rule", c.Rule)
		return nil
	case ScopeAlways:
		if e.allowlist != nil {
			if err := e.allowlist.Add(normalizeCommand(command)); err != nil {
				return fmt.Errorf("persist allowlist entry: %w", err)
			}
		}
		e.logger.Info("command approved permanently", "task_id", taskID, "rule", c.Rule)
		return nil
	case ScopeDeny:
		e.logger.Info("command denied", "task_id", taskID, "rule", c.Rule)
		if r, ok := e.prompter.(refusalExplainer); ok {
			return fmt.Errorf("%w: %s", ErrDenied, r.Refusal(req))
		}
		return fmt.Errorf("%w: %s", ErrDenied, c.Reason)
	default:
		return fmt.Errorf("%w: unrecognized decision %q", ErrDenied, scope)
	}
}

// EndSession drops all session-scoped grants for a task.
func (e *Engine) EndSession(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, taskID)
}

func (e *Engine) hasSessionGrant(taskID, command string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.grants[taskID][normalizeCommand(command)]
	return ok
}

func (e *Engine) addSessionGrant(taskID, command string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants[taskID] == nil {
		e.grants[taskID] = make(map[string]struct{})
	}
	e.grants[taskID][normalizeCommand(command)] = struct{}{}
}
