package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// InteractivePrompter asks for a decision on a terminal. The four choices are
// once, session, always, and deny; anything else, including EOF, is deny.
type InteractivePrompter struct {
	In  io.Reader
	Out io.Writer
}

// Decide prints the command and its risk reason, then reads one line. The
// read runs in a goroutine so cancellation is honored while blocked on input.
func (p *InteractivePrompter) Decide(ctx context.Context, req *Request) (Scope, error) {
	warn := color.New(color.FgYellow, color.Bold)
	cmd := color.New(color.FgCyan)

	warn.Fprintf(p.Out, "\nCommand requires approval (%s)\n", req.Reason)
	cmd.Fprintf(p.Out, "  %s\n", req.Command)
	fmt.Fprintf(p.Out, "Allow? [o]nce / [s]ession / [a]lways / [d]eny (default deny): ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return ScopeDeny, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return ScopeDeny, nil
		}
		return parseScope(a.line), nil
	}
}

func parseScope(line string) Scope {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "o", "once":
		return ScopeOnce
	case "s", "session":
		return ScopeSession
	case "a", "always":
		return ScopeAlways
	default:
		return ScopeDeny
	}
}

// StaticDenier refuses every dangerous command with guidance for approving it
// out of band. Gateway surfaces use it because there is no interactive
// terminal attached to a messaging conversation.
type StaticDenier struct {
	// Guidance is appended to the refusal, e.g. how to add an allowlist entry.
	Guidance string
}

func (d *StaticDenier) Decide(ctx context.Context, req *Request) (Scope, error) {
	return ScopeDeny, nil
}

// Refusal renders the user-facing explanation for a denied command. The
// engine folds it into the denial error so the refusal payload the model
// sees carries the out-of-band approval path.
func (d *StaticDenier) Refusal(req *Request) string {
	if d.Guidance == "" {
		return req.Reason
	}
	return req.Reason + ". " + d.Guidance
}
