// Package agent owns the live AI CLI child processes: spawning, the
// per-process state machine, the outbound stdin queue, tool-approval
// routing and the supervisor that indexes processes by session.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// StartOptions describes one child invocation.
type StartOptions struct {
	// ProjectPath is the absolute working directory for the child.
	ProjectPath string
	// SessionID is the session the child should produce or resume.
	SessionID string
	// Resume targets an existing transcript instead of starting fresh.
	Resume bool
	// Mode is the initial permission mode passed to the child.
	Mode Mode
}

// Child is one running agent subprocess.
type Child interface {
	Stdin() io.Writer
	Stdout() io.Reader
	// Wait blocks until the child exits.
	Wait() error
	// Kill terminates the child immediately.
	Kill() error
}

// Runner spawns agent children. The exec runner drives the real CLI;
// tests substitute a scripted one.
type Runner interface {
	Start(ctx context.Context, opts StartOptions) (Child, error)
	// WritesTranscript reports whether children persist their own
	// transcript files. The real CLI does; mocks usually do not, and the
	// process mirrors user input into live history to compensate.
	WritesTranscript() bool
}

// ExecRunner launches the AI CLI with the stream-json protocol on
// stdin/stdout.
type ExecRunner struct {
	// Command is the CLI binary name or path.
	Command string
}

// NewExecRunner creates a runner for the given CLI command.
func NewExecRunner(command string) *ExecRunner {
	return &ExecRunner{Command: command}
}

// WritesTranscript is true: the CLI persists its own transcript files.
func (r *ExecRunner) WritesTranscript() bool { return true }

// Start spawns one CLI invocation wired for streaming JSON.
func (r *ExecRunner) Start(ctx context.Context, opts StartOptions) (Child, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Resume {
		args = append(args, "--resume", opts.SessionID)
	} else if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.Mode != "" && opts.Mode != ModeDefault {
		args = append(args, "--permission-mode", string(opts.Mode))
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = opts.ProjectPath
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.Command, err)
	}

	return &execChild{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *execChild) Stdin() io.Writer  { return c.stdin }
func (c *execChild) Stdout() io.Reader { return c.stdout }

func (c *execChild) Wait() error {
	return c.cmd.Wait()
}

func (c *execChild) Kill() error {
	c.stdin.Close()
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}
