package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/fsd/internal/agent"
	"github.com/randalmurphal/fsd/internal/checkpoint"
	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/events"
	"github.com/randalmurphal/fsd/internal/meta"
	"github.com/randalmurphal/fsd/internal/plan"
	"github.com/randalmurphal/fsd/internal/prompt"
	"github.com/randalmurphal/fsd/internal/state"
	"github.com/randalmurphal/fsd/internal/task"
)

// Phase names passed to the agent and recorded in events.
const (
	PhasePlanning   = "planning"
	PhaseExecution  = "execution"
	PhaseValidation = "validation"
	PhaseRecovery   = "recovery"
)

// TaskSource loads task definitions.
type TaskSource interface {
	Load(taskID string) (*task.Definition, error)
}

// PromptRenderer renders a named prompt template.
type PromptRenderer interface {
	Render(name string, vars prompt.Vars) (string, error)
}

// Checkpointer records checkpoints at phase boundaries.
type Checkpointer interface {
	MarkTaskStart(taskID string)
	Create(taskID string, typ checkpoint.Type, opts checkpoint.CreateOptions) (*checkpoint.Metadata, error)
}

// PlanStore persists the planning phase's output.
type PlanStore interface {
	SaveRaw(taskID string, data json.RawMessage) (*plan.ExecutionPlan, error)
	Load(taskID string) (*plan.ExecutionPlan, bool)
}

// Timeouts bounds each agent invocation by phase.
type Timeouts struct {
	Planning   time.Duration
	Execution  time.Duration
	Validation time.Duration
	Recovery   time.Duration
}

// DefaultTimeouts returns the per-phase agent timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Planning:   5 * time.Minute,
		Execution:  30 * time.Minute,
		Validation: 10 * time.Minute,
		Recovery:   20 * time.Minute,
	}
}

// Result summarizes one ExecuteTask run.
type Result struct {
	TaskID       string
	RunID        string
	Completed    bool
	FinalState   state.TaskState
	Summary      string
	ErrorMessage string
	RetryCount   int
	Duration     time.Duration
}

// PhaseExecutor drives a task from Queued to a terminal state.
type PhaseExecutor struct {
	machine     *state.Machine
	tasks       TaskSource
	plans       PlanStore
	checkpoints Checkpointer
	agent       agent.Agent
	prompts     PromptRenderer
	policy      *RetryPolicy
	timeouts    Timeouts
	backoff     bool
	publisher   events.Publisher
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a PhaseExecutor.
type Option func(*PhaseExecutor)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(e *PhaseExecutor) {
		e.policy = p
	}
}

// WithTimeouts sets per-phase agent timeouts. Zero fields keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(e *PhaseExecutor) {
		if t.Planning > 0 {
			e.timeouts.Planning = t.Planning
		}
		if t.Execution > 0 {
			e.timeouts.Execution = t.Execution
		}
		if t.Validation > 0 {
			e.timeouts.Validation = t.Validation
		}
		if t.Recovery > 0 {
			e.timeouts.Recovery = t.Recovery
		}
	}
}

// WithBackoff waits RetryPolicy.RetryDelay before each recovery.
func WithBackoff(enabled bool) Option {
	return func(e *PhaseExecutor) {
		e.backoff = enabled
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *PhaseExecutor) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *PhaseExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a PhaseExecutor.
func New(machine *state.Machine, tasks TaskSource, plans PlanStore, checkpoints Checkpointer, ag agent.Agent, prompts PromptRenderer, opts ...Option) *PhaseExecutor {
	e := &PhaseExecutor{
		machine:     machine,
		tasks:       tasks,
		plans:       plans,
		checkpoints: checkpoints,
		agent:       ag,
		prompts:     prompts,
		policy:      NewRetryPolicy(DefaultRetryConfig()),
		timeouts:    DefaultTimeouts(),
		publisher:   events.NopPublisher{},
		logger:      slog.Default(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteTask runs the full lifecycle for taskID. It never returns an error:
// every failure is recorded on the task and reported in the Result.
func (e *PhaseExecutor) ExecuteTask(ctx context.Context, taskID string) *Result {
	start := time.Now()
	res := &Result{TaskID: taskID, RunID: uuid.NewString()}
	logger := e.logger.With("task_id", taskID, "run_id", res.RunID)

	def, err := e.tasks.Load(taskID)
	if err != nil {
		logger.Error("failed to load task", "error", err)
		res.ErrorMessage = fmt.Sprintf("load task: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	if !e.machine.Has(taskID) {
		if _, err := e.machine.Register(taskID, state.Queued, meta.Map{"run_id": meta.String(res.RunID)}); err != nil && !fsderrors.HasCode(err, fsderrors.CodeTaskExists) {
			logger.Error("failed to register task", "error", err)
			res.ErrorMessage = fmt.Sprintf("register task: %v", err)
			res.Duration = time.Since(start)
			return res
		}
	}
	e.checkpoints.MarkTaskStart(taskID)

	r := &run{e: e, def: def, runID: res.RunID, logger: logger}
	logger.Info("task started", "description", def.Description)

	summary, err := r.safeExecute(ctx)
	if err != nil {
		e.failTask(taskID, res.RunID, err.Error(), logger)
		res.ErrorMessage = err.Error()
	} else {
		res.Summary = summary
	}

	if info, gerr := e.machine.Get(taskID); gerr == nil {
		res.FinalState = info.CurrentState
		res.RetryCount = info.RetryCount
	}
	res.Completed = err == nil && res.FinalState == state.Completed
	res.Duration = time.Since(start)

	e.publisher.Publish(events.NewEvent(events.EventComplete, taskID, events.CompleteData{
		Completed:  res.Completed,
		FinalState: string(res.FinalState),
		RetryCount: res.RetryCount,
		Duration:   res.Duration,
		Message:    firstNonEmpty(res.ErrorMessage, res.Summary),
	}))
	if res.Completed {
		logger.Info("task completed", "retries", res.RetryCount, "duration", res.Duration)
	} else {
		logger.Warn("task did not complete", "state", res.FinalState, "error", res.ErrorMessage)
	}
	return res
}

// failTask moves the task to Failed unless it already reached a state that
// forbids it.
func (e *PhaseExecutor) failTask(taskID, runID, message string, logger *slog.Logger) {
	ok, err := e.machine.CanTransitionTo(taskID, state.Failed)
	if err != nil || !ok {
		return
	}
	if _, err := e.machine.Fail(taskID, message, meta.Map{"run_id": meta.String(runID)}); err != nil {
		logger.Error("failed to record task failure", "error", err)
	}
}

// run holds the per-invocation state of ExecuteTask.
type run struct {
	e      *PhaseExecutor
	def    *task.Definition
	plan   *plan.ExecutionPlan
	runID  string
	logger *slog.Logger
}

// validationOutcome is the parsed validation report.
type validationOutcome struct {
	Passed  bool
	Partial bool
	Summary string
	Results json.RawMessage
	ExecErr string
}

// safeExecute runs execute, turning a panic in a collaborator into an error
// so the task still ends in a recorded state.
func (r *run) safeExecute(ctx context.Context) (summary string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task run panicked", "panic", rec, "stack", string(debug.Stack()))
			summary, err = "", fmt.Errorf("internal error: %v", rec)
		}
	}()
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) (string, error) {
	if err := r.planPhase(ctx); err != nil {
		return "", err
	}

	if err := r.transition(state.Executing, "plan ready"); err != nil {
		return "", err
	}
	if err := r.executeSteps(ctx); err != nil {
		return "", err
	}

	policy := r.e.policy
	for {
		if err := r.transition(state.Validating, "execution finished"); err != nil {
			return "", err
		}
		outcome, err := r.validate(ctx)
		if err != nil {
			return "", err
		}

		info, err := r.e.machine.Get(r.def.ID)
		if err != nil {
			return "", err
		}
		retryCount := info.RetryCount
		reason := firstNonEmpty(outcome.ExecErr, outcome.Summary)
		decision := policy.ShouldRetry(retryCount, outcome.Passed, outcome.ExecErr, outcome.Partial)
		r.logger.Info("validation decision", "decision", decision, "passed", outcome.Passed, "retry_count", retryCount)

		switch decision {
		case DecisionComplete:
			msg := policy.Message(decision, retryCount, "")
			if !outcome.Passed {
				msg += " (partial success)"
			}
			if err := r.transition(state.Completed, msg); err != nil {
				return "", err
			}
			return msg, nil

		case DecisionFail:
			return "", errors.New(policy.Message(decision, retryCount, reason))

		case DecisionRetry:
			r.logger.Info(policy.Message(decision, retryCount, reason))
			r.e.publisher.Publish(events.NewEvent(events.EventError, r.def.ID, events.ErrorData{
				Phase:   PhaseValidation,
				Message: firstNonEmpty(reason, "validation failed"),
				Attempt: retryCount + 1,
			}))
			if r.e.backoff {
				if err := r.e.sleep(ctx, policy.RetryDelay(retryCount)); err != nil {
					return "", err
				}
			}
			if err := r.recover(ctx, outcome, retryCount+1); err != nil {
				return "", err
			}
			if err := r.transition(state.Executing, fmt.Sprintf("retry %d after validation failure", retryCount+1)); err != nil {
				return "", err
			}
			if err := r.executeSteps(ctx); err != nil {
				return "", err
			}
		}
	}
}

func (r *run) planPhase(ctx context.Context) error {
	if err := r.transition(state.Planning, "starting planning"); err != nil {
		return err
	}
	if _, err := r.checkpoint(checkpoint.PreExecution, checkpoint.CreateOptions{Description: "Before planning"}); err != nil {
		return err
	}

	text, err := r.e.prompts.Render(prompt.Planning, prompt.Vars{
		"task_id":            r.def.ID,
		"description":        r.def.Description,
		"priority":           string(r.def.Priority),
		"estimated_duration": r.def.EstimatedDuration,
		"context":            r.def.Context,
		"focus_files":        r.def.FocusFiles,
		"success_criteria":   successCriteria(r.def),
	})
	if err != nil {
		return fmt.Errorf("render planning prompt: %w", err)
	}

	res, err := r.invoke(ctx, PhasePlanning, text, r.e.timeouts.Planning, 0)
	if err != nil {
		return err
	}
	doc, err := res.ParseJSON()
	if err != nil {
		return fsderrors.ErrAgentParse(PhasePlanning, err)
	}
	p, err := r.e.plans.SaveRaw(r.def.ID, doc)
	if err != nil {
		return err
	}
	r.logger.Info("plan created", "summary", p.Summary())
	return nil
}

// executeSteps loads the saved plan and runs every step in order. The task
// must already be in Executing.
func (r *run) executeSteps(ctx context.Context) error {
	p, found := r.e.plans.Load(r.def.ID)
	if !found {
		return fsderrors.ErrPlanInvalid(r.def.ID, "no saved plan to execute")
	}
	r.plan = p

	total := len(r.plan.Steps)
	for i, step := range r.plan.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		number := step.StepNumber
		if number == 0 {
			number = i + 1
		}

		text, err := r.e.prompts.Render(prompt.Execution, prompt.Vars{
			"task_id":          r.def.ID,
			"description":      r.def.Description,
			"step_number":      number,
			"total_steps":      total,
			"step_description": step.Description,
			"step_duration":    firstNonEmpty(step.EstimatedDuration, "unknown"),
			"step_files":       strings.Join(step.FilesToModify, ", "),
			"step_validation":  step.Validation,
			"step_checkpoint":  step.Checkpoint,
			"plan_summary":     r.plan.Analysis,
		})
		if err != nil {
			return fmt.Errorf("render execution prompt: %w", err)
		}

		r.logger.Info("executing step", "step", number, "total", total)
		if _, err := r.invoke(ctx, PhaseExecution, text, r.e.timeouts.Execution, number); err != nil {
			return fmt.Errorf("step %d failed: %w", number, err)
		}

		if !step.Checkpoint {
			continue
		}
		if _, err := r.checkpoint(checkpoint.StepComplete, checkpoint.CreateOptions{
			Description: fmt.Sprintf("Step %d complete: %s", number, step.Description),
			StepNumber:  checkpoint.IntPtr(number),
		}); err != nil {
			return err
		}
	}
	return nil
}

// validate runs the validation phase. Only a timeout or cancellation is
// returned as an error; other agent failures are reported in ExecErr so the
// retry policy can weigh them.
func (r *run) validate(ctx context.Context) (*validationOutcome, error) {
	if _, err := r.checkpoint(checkpoint.PreValidation, checkpoint.CreateOptions{Description: "Before validation"}); err != nil {
		return nil, err
	}

	text, err := r.e.prompts.Render(prompt.Validation, prompt.Vars{
		"task_id":           r.def.ID,
		"description":       r.def.Description,
		"priority":          string(r.def.Priority),
		"success_criteria":  successCriteria(r.def),
		"execution_summary": r.executionSummary(),
	})
	if err != nil {
		return nil, fmt.Errorf("render validation prompt: %w", err)
	}

	outcome := &validationOutcome{}
	res, err := r.invoke(ctx, PhaseValidation, text, r.e.timeouts.Validation, 0)
	switch {
	case err != nil && (fsderrors.HasCode(err, fsderrors.CodeAgentTimeout) || ctx.Err() != nil):
		return nil, err
	case err != nil:
		outcome.ExecErr = err.Error()
	default:
		if perr := parseValidation(res, outcome); perr != nil {
			outcome.ExecErr = perr.Error()
		}
	}

	opts := checkpoint.CreateOptions{Description: "After validation"}
	if len(outcome.Results) > 0 {
		if m, merr := meta.FromJSON(outcome.Results); merr == nil {
			opts.TestResults = m
		}
	}
	opts.Metadata = meta.Map{"validation_passed": meta.Bool(outcome.Passed)}
	if outcome.ExecErr != "" {
		opts.ErrorInfo = meta.Map{"error": meta.String(outcome.ExecErr)}
	}
	if _, err := r.checkpoint(checkpoint.PostValidation, opts); err != nil {
		return nil, err
	}
	return outcome, nil
}

func parseValidation(res *agent.Result, out *validationOutcome) error {
	doc, err := res.ParseJSON()
	if err != nil {
		return fsderrors.ErrAgentParse(PhaseValidation, err)
	}
	report := gjson.ParseBytes(doc)
	if !report.IsObject() {
		return fsderrors.ErrAgentParse(PhaseValidation, errors.New("validation report is not a JSON object"))
	}
	// A report without a verdict counts as a failed validation.
	out.Passed = report.Get("validation_passed").Bool()
	out.Partial = report.Get("partial_success").Bool()
	out.Summary = report.Get("summary").String()
	if results := report.Get("results"); results.Exists() {
		out.Results = json.RawMessage(results.Raw)
	}
	return nil
}

// recover asks the agent to fix what validation reported. attempt is the
// 1-based recovery number.
func (r *run) recover(ctx context.Context, outcome *validationOutcome, attempt int) error {
	if _, err := r.checkpoint(checkpoint.PreRecovery, checkpoint.CreateOptions{
		Description: fmt.Sprintf("Before recovery attempt %d", attempt),
		Metadata:    meta.Map{"attempt": meta.Int(attempt)},
	}); err != nil {
		return err
	}

	analysis := ClassifyValidationFailure(outcome.Results)
	r.logger.Info("recovering from validation failure", "attempt", attempt, "issues", analysis.Issues)

	summary := outcome.Summary
	if summary == "" {
		summary = firstNonEmpty(outcome.ExecErr, "Validation failed")
	}
	text, err := r.e.prompts.Render(prompt.Recovery, prompt.Vars{
		"task_id":                    r.def.ID,
		"description":                r.def.Description,
		"retry_count":                attempt,
		"max_retries":                r.e.policy.Config().MaxRetries,
		"validation_failure_summary": summary,
		"failed_checks_list":         FormatFailedChecks(FailedChecks(outcome.Results)),
	})
	if err != nil {
		return fmt.Errorf("render recovery prompt: %w", err)
	}

	if _, err := r.invoke(ctx, PhaseRecovery, text, r.e.timeouts.Recovery, attempt); err != nil {
		return fmt.Errorf("recovery attempt %d failed: %w", attempt, err)
	}
	return nil
}

// invoke sends one prompt and maps agent failures to structured errors.
func (r *run) invoke(ctx context.Context, phase, text string, timeout time.Duration, attempt int) (*agent.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.e.publisher.Publish(events.NewEvent(events.EventPhase, r.def.ID, events.PhaseData{Phase: phase, Attempt: attempt}))

	res, err := r.e.agent.Execute(ctx, agent.Request{
		TaskID:  r.def.ID,
		Phase:   phase,
		Prompt:  text,
		Timeout: timeout,
	})
	if err != nil {
		var te *agent.TimeoutError
		if errors.As(err, &te) {
			return nil, fsderrors.ErrAgentTimeout(phase, timeout.String()).WithCause(err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fsderrors.ErrAgentExecution(phase, err)
	}
	if !res.Success {
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		}
		return res, fsderrors.ErrAgentExecution(phase, errors.New(msg))
	}
	r.logger.Debug("agent finished", "phase", phase, "duration", res.Duration)
	return res, nil
}

func (r *run) transition(to state.TaskState, reason string) error {
	_, err := r.e.machine.Transition(r.def.ID, to, reason, meta.Map{"run_id": meta.String(r.runID)})
	return err
}

func (r *run) checkpoint(typ checkpoint.Type, opts checkpoint.CreateOptions) (*checkpoint.Metadata, error) {
	if s, err := r.e.machine.State(r.def.ID); err == nil {
		opts.StateLabel = string(s)
	}
	cp, err := r.e.checkpoints.Create(r.def.ID, typ, opts)
	if err != nil {
		return nil, fsderrors.ErrCheckpoint(string(typ), r.def.ID, err)
	}
	r.e.publisher.Publish(events.NewEvent(events.EventCheckpoint, r.def.ID, events.CheckpointData{
		CheckpointID: cp.CheckpointID,
		Type:         string(cp.Type),
		CommitHash:   cp.CommitHash,
	}))
	return cp, nil
}

func (r *run) executionSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executed %d step(s) of the plan.", len(r.plan.Steps))
	if r.plan.Analysis != "" {
		fmt.Fprintf(&b, "\nPlan analysis: %s", r.plan.Analysis)
	}
	for i, s := range r.plan.Steps {
		n := s.StepNumber
		if n == 0 {
			n = i + 1
		}
		fmt.Fprintf(&b, "\n%d. %s", n, s.Description)
	}
	return b.String()
}

func successCriteria(def *task.Definition) string {
	return firstNonEmpty(def.SuccessCriteria, task.DefaultSuccessCriteria)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
