// Package exec provides the terminal tool backed by a persistent
// per-conversation shell process.
package exec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DefaultCommandTimeout bounds a single command when the caller sets none.
const DefaultCommandTimeout = 60 * time.Second

const maxOutput = 64000

// Result summarizes one command run inside the shell.
type Result struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Restart  bool          `json:"shell_restarted,omitempty"`
}

// Shell is a long-lived sh process that keeps working directory, environment,
// and background jobs across commands within one conversation. Commands are
// framed with a per-command marker on both output streams so the reader knows
// where each command's output ends.
//
// Shell implements sessions.Resource; Close kills the whole process group so
// background children die with the conversation.
type Shell struct {
	workdir string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *bufio.Reader
	closed bool
}

// NewShell spawns the shell process rooted at workdir.
func NewShell(workdir string) (*Shell, error) {
	s := &Shell{workdir: workdir}
	if err := s.spawn(); err != nil {
		return nil, err
	}
	return s, nil
}

// spawn starts a fresh shell process. Caller holds the lock or is the
// constructor.
func (s *Shell) spawn() error {
	cmd := exec.Command("/bin/sh")
	if s.workdir != "" {
		cmd.Dir = s.workdir
	}
	cmd.Env = os.Environ()
	// own process group so Close can kill background children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.stderr = bufio.NewReader(stderr)
	return nil
}

// Run executes one command and waits for its framed output. A command that
// exceeds the timeout wedges the shell, so the process group is killed and a
// fresh shell spawned; the result reports the restart and exit code -1.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("shell closed")
	}
	if s.cmd == nil {
		if err := s.spawn(); err != nil {
			return nil, err
		}
	}

	marker := "__relay_done_" + uuid.NewString()
	// the command's stdin comes from /dev/null so it cannot swallow the
	// marker lines that follow it on the shell's stdin
	framed := fmt.Sprintf("{\n%s\n} </dev/null\nprintf '%s %%d\\n' $?\nprintf '%s\\n' >&2\n", command, marker, marker)

	start := time.Now()
	if _, err := io.WriteString(s.stdin, framed); err != nil {
		s.killLocked()
		return nil, fmt.Errorf("write command: %w", err)
	}

	type streamResult struct {
		text string
		code int
		err  error
	}
	outCh := make(chan streamResult, 1)
	errCh := make(chan streamResult, 1)

	// captured into locals: a restart on timeout nils the shell's reader
	// fields while these goroutines may still be running
	stdout, stderr := s.stdout, s.stderr
	go func() {
		text, code, err := readUntilMarker(stdout, marker, true)
		outCh <- streamResult{text: text, code: code, err: err}
	}()
	go func() {
		text, _, err := readUntilMarker(stderr, marker, false)
		errCh <- streamResult{text: text, err: err}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var out, errOut *streamResult
	for out == nil || errOut == nil {
		select {
		case r := <-outCh:
			out = &r
		case r := <-errCh:
			errOut = &r
		case <-ctx.Done():
			s.restartLocked()
			return &Result{
				Command:  command,
				ExitCode: -1,
				Duration: time.Since(start),
				Restart:  true,
				Stderr:   "command interrupted: " + ctx.Err().Error(),
			}, nil
		case <-deadline.C:
			s.restartLocked()
			return &Result{
				Command:  command,
				ExitCode: -1,
				Duration: time.Since(start),
				Restart:  true,
				Stderr:   fmt.Sprintf("command timed out after %s, shell restarted", timeout),
			}, nil
		}
	}

	if out.err != nil || errOut.err != nil {
		s.restartLocked()
		return &Result{
			Command:  command,
			Stdout:   out.text,
			Stderr:   errOut.text,
			ExitCode: -1,
			Duration: time.Since(start),
			Restart:  true,
		}, nil
	}

	return &Result{
		Command:  command,
		Stdout:   out.text,
		Stderr:   errOut.text,
		ExitCode: out.code,
		Duration: time.Since(start),
	}, nil
}

// readUntilMarker collects lines until the marker line, returning the
// collected text and, when wantCode is set, the exit code carried on the
// marker line.
func readUntilMarker(r *bufio.Reader, marker string, wantCode bool) (string, int, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\n")
		if strings.HasPrefix(trimmed, marker) {
			code := 0
			if wantCode {
				fields := strings.Fields(trimmed)
				if len(fields) == 2 {
					code, _ = strconv.Atoi(fields[1])
				}
			}
			return b.String(), code, nil
		}
		if b.Len() < maxOutput {
			remaining := maxOutput - b.Len()
			if len(line) > remaining {
				line = line[:remaining]
			}
			b.WriteString(line)
		}
		if err != nil {
			return b.String(), -1, err
		}
	}
}

// restartLocked kills the current process and spawns a replacement. Caller
// holds the lock.
func (s *Shell) restartLocked() {
	s.killLocked()
	if !s.closed {
		_ = s.spawn()
	}
}

// killLocked terminates the process group. Caller holds the lock.
func (s *Shell) killLocked() {
	if s.cmd == nil || s.cmd.Process == nil {
		s.cmd = nil
		return
	}
	pid := s.cmd.Process.Pid
	// negative pid signals the whole group
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_, _ = s.cmd.Process.Wait()
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	s.stderr = nil
}

// Close terminates the shell and every process in its group. Idempotent.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.killLocked()
	return nil
}
