// Package agent defines the boundary to the external AI agent that performs
// the actual code changes, plus a subprocess implementation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request is one prompt sent to the agent.
type Request struct {
	TaskID  string
	Phase   string
	Prompt  string
	Timeout time.Duration
}

// Result is the agent's reply to a request.
type Result struct {
	Success      bool
	Stdout       string
	Stderr       string
	ExitCode     int
	Duration     time.Duration
	ErrorMessage string
}

// ParseJSON extracts the first JSON document from the agent's stdout.
func (r *Result) ParseJSON() (json.RawMessage, error) {
	return ExtractJSON(r.Stdout)
}

// Agent runs prompts. Implementations return *TimeoutError when the request
// exceeds its timeout and *ExecutionError when the agent cannot be run. A
// completed run with a non-zero exit is a Result with Success false.
type Agent interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// TimeoutError reports that the agent exceeded its timeout and was killed.
type TimeoutError struct {
	Timeout time.Duration
	Phase   string
}

func (e *TimeoutError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("agent timed out after %s during %s", e.Timeout, e.Phase)
	}
	return fmt.Sprintf("agent timed out after %s", e.Timeout)
}

// ExecutionError reports that the agent could not be run.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("run agent %q: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ParseError reports that output contained no valid JSON.
type ParseError struct {
	Preview string
}

func (e *ParseError) Error() string {
	return "no valid JSON found in output. Output preview: " + e.Preview
}
