package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/fsd/internal/agent"
	"github.com/randalmurphal/fsd/internal/checkpoint"
	"github.com/randalmurphal/fsd/internal/config"
	"github.com/randalmurphal/fsd/internal/events"
	"github.com/randalmurphal/fsd/internal/executor"
	"github.com/randalmurphal/fsd/internal/git"
	"github.com/randalmurphal/fsd/internal/plan"
	"github.com/randalmurphal/fsd/internal/prompt"
	"github.com/randalmurphal/fsd/internal/state"
	"github.com/randalmurphal/fsd/internal/storage"
	"github.com/randalmurphal/fsd/internal/task"
)

// app holds the components one command invocation needs. Git-backed parts
// are opened on first use so read-only commands work outside a repository.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   storage.Backend
	machine   *state.Machine
	plans     *plan.Store
	tasks     *task.FileSource
	publisher *events.MemoryPublisher

	repo        *git.Repository
	checkpoints *checkpoint.Store
}

// newApp opens state persistence and the stores under cfg.StateDir.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := storage.Open(cfg.State.Backend, cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open state backend: %w", err)
	}

	publisher := events.NewMemoryPublisher()
	machine := state.NewMachine(state.WithPersistence(backend), state.WithLogger(logger))
	machine.AddListener(events.NewTransitionListener(publisher))

	return &app{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		machine:   machine,
		plans:     plan.NewStore(cfg.StateDir, logger),
		tasks:     task.NewFileSource(cfg.StateDir),
		publisher: publisher,
	}, nil
}

// loadApp loads configuration and builds an app logging to stderr.
func loadApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, os.Stderr, verbose)
	slog.SetDefault(logger)
	return newApp(cfg, logger)
}

// Close releases the backend and event subscriptions.
func (a *app) Close() error {
	a.publisher.Close()
	return a.backend.Close()
}

// repository opens the git repository containing the agent's working
// directory.
func (a *app) repository() (*git.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	workDir := a.cfg.WorkDir()
	located, err := git.Open(workDir)
	if err != nil {
		return nil, err
	}
	repo, err := git.Open(workDir,
		git.WithReservedDir(reservedDir(located.Root(), a.cfg.StateDir)),
		git.WithIdentity(a.cfg.Git.UserName, a.cfg.Git.UserEmail),
	)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	return repo, nil
}

// checkpointStore opens the checkpoint store on the repository.
func (a *app) checkpointStore() (*checkpoint.Store, error) {
	if a.checkpoints != nil {
		return a.checkpoints, nil
	}
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	a.checkpoints = checkpoint.NewStore(repo, a.cfg.StateDir,
		checkpoint.WithTagNamespace(a.cfg.Checkpoint.TagNamespace),
		checkpoint.WithTags(a.cfg.Checkpoint.CreateTags),
		checkpoint.WithSlowThreshold(a.cfg.Checkpoint.SlowThreshold),
		checkpoint.WithLogger(a.logger),
	)
	return a.checkpoints, nil
}

// executor wires a PhaseExecutor from configuration.
func (a *app) executor() (*executor.PhaseExecutor, error) {
	checkpoints, err := a.checkpointStore()
	if err != nil {
		return nil, err
	}

	ag := agent.NewCLIAgent(a.cfg.Agent.Command,
		agent.WithWorkDir(a.cfg.WorkDir()),
		agent.WithLogger(a.logger),
	)
	prompts := prompt.NewRenderer(filepath.Join(a.cfg.StateDir, prompt.Subdir))

	policy := executor.NewRetryPolicy(executor.RetryConfig{
		MaxRetries:               a.cfg.Retry.MaxRetries,
		RetryOnValidationFailure: a.cfg.Retry.RetryOnValidationFailure,
		RetryOnExecutionError:    a.cfg.Retry.RetryOnExecutionError,
		AllowPartialSuccess:      a.cfg.Retry.AllowPartialSuccess,
		BaseDelay:                a.cfg.Retry.BaseDelay,
		MaxDelay:                 a.cfg.Retry.MaxDelay,
	})

	return executor.New(a.machine, a.tasks, a.plans, checkpoints, ag, prompts,
		executor.WithRetryPolicy(policy),
		executor.WithTimeouts(executor.Timeouts{
			Planning:   a.cfg.Timeouts.Planning,
			Execution:  a.cfg.Timeouts.Execution,
			Validation: a.cfg.Timeouts.Validation,
			Recovery:   a.cfg.Timeouts.Recovery,
		}),
		executor.WithBackoff(a.cfg.Retry.Backoff),
		executor.WithPublisher(a.publisher),
		executor.WithLogger(a.logger),
	), nil
}

// requireTask fails unless the state machine knows taskID.
func (a *app) requireTask(taskID string) (*state.Info, error) {
	return a.machine.Get(taskID)
}

// reservedDir returns stateDir relative to the repository root, or "" when
// it lies outside the repository. A relative stateDir is resolved against the
// working directory, not the root.
func reservedDir(root, stateDir string) string {
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(resolvePath(root), resolvePath(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return rel
}

// resolvePath follows symlinks so paths compare like git's toplevel does.
// Missing trailing components are kept as given.
func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	parent, base := filepath.Split(filepath.Clean(path))
	if parent == "" || parent == path {
		return path
	}
	return filepath.Join(resolvePath(filepath.Clean(parent)), base)
}

// errTasksFailed is returned by run when any task did not complete.
var errTasksFailed = errors.New("one or more tasks failed")
