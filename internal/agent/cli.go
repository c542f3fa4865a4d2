package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommand is the agent command line used when none is configured.
const DefaultCommand = "claude --dangerously-skip-permissions"

const stderrLimit = 500

// CLIAgent runs the agent as a subprocess: {command} -p {prompt}.
type CLIAgent struct {
	command []string
	workDir string
	logger  *slog.Logger
}

// CLIOption configures a CLIAgent.
type CLIOption func(*CLIAgent)

// WithWorkDir sets the directory the agent runs in.
func WithWorkDir(dir string) CLIOption {
	return func(a *CLIAgent) {
		a.workDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CLIOption {
	return func(a *CLIAgent) {
		a.logger = logger
	}
}

// NewCLIAgent creates an agent for a whitespace-separated command line.
func NewCLIAgent(command string, opts ...CLIOption) *CLIAgent {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	a := &CLIAgent{
		command: strings.Fields(command),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Command returns the configured command line.
func (a *CLIAgent) Command() string {
	return strings.Join(a.command, " ")
}

// Execute runs the prompt and waits for the process, killing it when the
// request timeout elapses.
func (a *CLIAgent) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, a.command[1:]...), "-p", req.Prompt)
	cmd := exec.CommandContext(ctx, a.command[0], args...)
	cmd.Dir = a.workDir
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("running agent",
		"task_id", req.TaskID, "phase", req.Phase, "timeout", req.Timeout, "prompt_bytes", len(req.Prompt))

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && req.Timeout > 0 {
			return nil, &TimeoutError{Timeout: req.Timeout, Phase: req.Phase}
		}
		return nil, &ExecutionError{Command: a.Command(), Err: ctxErr}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &ExecutionError{Command: a.Command(), Err: err}
		}
		res.ExitCode = exitErr.ExitCode()
		res.ErrorMessage = fmt.Sprintf("agent exited with code %d: %s", res.ExitCode, truncate(res.Stderr, stderrLimit))
		return res, nil
	}

	res.Success = true
	return res, nil
}

// Available checks that the agent command runs by asking for its version.
func (a *CLIAgent) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.command[0], "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return &ExecutionError{
			Command: a.command[0],
			Err:     fmt.Errorf("%w: %s", err, truncate(string(out), stderrLimit)),
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
