// Package lock keeps one process from running the same task twice.
//
// The guard is advisory and per task: a PID file under the run directory
// names the process currently driving the task. Different tasks never
// block each other.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/util"
)

// RunSubdir is the directory under the state root holding PID files.
const RunSubdir = "run"

// PIDGuard guards one task with a PID file at {runDir}/{task_id}.pid.
type PIDGuard struct {
	runDir string
	taskID string
}

// NewPIDGuard creates a guard for taskID under stateDir.
func NewPIDGuard(stateDir, taskID string) *PIDGuard {
	return &PIDGuard{
		runDir: filepath.Join(stateDir, RunSubdir),
		taskID: taskID,
	}
}

// Path returns the PID file location.
func (g *PIDGuard) Path() string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(g.taskID)
	return filepath.Join(g.runDir, name+".pid")
}

// Check verifies no live process holds the task. Stale and unreadable PID
// files are removed.
func (g *PIDGuard) Check() error {
	pidFile := g.Path()

	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(pidFile)
		return nil
	}

	if processExists(pid) {
		return &AlreadyRunningError{TaskID: g.taskID, PID: pid}
	}

	os.Remove(pidFile)
	return nil
}

// Acquire writes the current PID. Call Check first.
func (g *PIDGuard) Acquire() error {
	pid := os.Getpid()
	if err := util.AtomicWriteFile(g.Path(), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Lock checks and acquires in one call. A held task yields a TASK_RUNNING
// error wrapping *AlreadyRunningError.
func (g *PIDGuard) Lock() error {
	if err := g.EnsureIdle(); err != nil {
		return err
	}
	return g.Acquire()
}

// EnsureIdle is Check with a live owner reported as a TASK_RUNNING error.
func (g *PIDGuard) EnsureIdle() error {
	if err := g.Check(); err != nil {
		var running *AlreadyRunningError
		if errors.As(err, &running) {
			return fsderrors.ErrTaskRunning(g.taskID, running.PID).WithCause(err)
		}
		return err
	}
	return nil
}

// Release removes the PID file. Safe to call when no file exists.
func (g *PIDGuard) Release() {
	os.Remove(g.Path())
}

// AlreadyRunningError indicates another process is running the task.
type AlreadyRunningError struct {
	TaskID string
	PID    int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("task %s already running (pid %d)", e.TaskID, e.PID)
}

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds. Signal 0 checks liveness.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
