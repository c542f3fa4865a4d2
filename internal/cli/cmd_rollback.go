package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/fsd/internal/checkpoint"
	fsderrors "github.com/randalmurphal/fsd/internal/errors"
	"github.com/randalmurphal/fsd/internal/lock"
	"github.com/randalmurphal/fsd/internal/state"
)

// newRollbackCmd creates the rollback command
func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <task-id> <checkpoint-id>",
		Short: "Restore the working tree to a checkpoint",
		Long: `Hard-reset the working tree to a checkpoint's commit.

Uncommitted changes are stashed first unless --no-stash is given. The task's
lifecycle state is not changed; use 'fsd rewind' or 'fsd reset' for that.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			noStash, _ := cmd.Flags().GetBool("no-stash")
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				if err := ensureIdle(a, args[0]); err != nil {
					return err
				}
				info := store.Rollback(args[0], args[1], !noStash)
				if jsonOut {
					if err := printJSON(cmd.OutOrStdout(), info); err != nil {
						return err
					}
				} else {
					showRestore(cmd.OutOrStdout(), info)
				}
				if !info.Success {
					return fsderrors.ErrCheckpoint("rollback", args[0], errors.New(info.ErrorMessage))
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("no-stash", false, "discard uncommitted changes instead of stashing them")
	return cmd
}

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id> [checkpoint-id]",
		Short: "Restore a checkpoint and return the task to its state",
		Long: `Restore the working tree to a checkpoint, stashing local changes, and move
the task back to the lifecycle state recorded in the checkpoint. Elapsed-time
tracking restarts. Without a checkpoint ID the latest checkpoint is used.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				if err := ensureIdle(a, args[0]); err != nil {
					return err
				}
				var checkpointID string
				if len(args) == 2 {
					checkpointID = args[1]
				}

				restore, info, err := resumeTask(a, store, args[0], checkpointID)
				if restore == nil {
					return err
				}
				if jsonOut {
					if perr := printJSON(cmd.OutOrStdout(), restore); perr != nil {
						return perr
					}
				} else {
					showRestore(cmd.OutOrStdout(), restore)
					if info != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s is now %s\n", info.TaskID,
							stateStyle(string(info.CurrentState)).Render(string(info.CurrentState)))
					}
				}
				return err
			})
		},
	}
}

// resumeTask restores a checkpoint (the latest when checkpointID is empty)
// and moves the task to the state the checkpoint recorded. The returned
// state info is nil when the task's state was left alone.
func resumeTask(a *app, store *checkpoint.Store, taskID, checkpointID string) (*checkpoint.RestoreInfo, *state.Info, error) {
	var cp *checkpoint.Metadata
	var err error
	if checkpointID == "" {
		cp, err = store.Latest(taskID)
	} else {
		cp, err = store.Get(taskID, checkpointID)
	}
	if err != nil {
		return nil, nil, err
	}

	restore, err := store.Resume(taskID, cp.CheckpointID)
	if err != nil {
		return restore, nil, err
	}
	if cp.StateLabel == "" || !a.machine.Has(taskID) {
		a.logger.Warn("checkpoint records no task state, state left unchanged",
			"task_id", taskID, "checkpoint_id", cp.CheckpointID)
		return restore, nil, nil
	}
	info, err := a.machine.Restore(taskID, state.TaskState(cp.StateLabel), cp.CheckpointID)
	if err != nil {
		return restore, nil, err
	}
	return restore, info, nil
}

func showRestore(out io.Writer, info *checkpoint.RestoreInfo) {
	if !info.Success {
		fmt.Fprintf(out, "%s Rollback to %s failed: %s\n", failMark(), info.CheckpointID, info.ErrorMessage)
		return
	}
	fmt.Fprintf(out, "%s Restored %s (%s)\n", okMark(), info.CheckpointID, shortHash(info.CommitHash))
	if info.StashedChanges {
		fmt.Fprintln(out, "  Local changes were stashed; recover them with 'git stash pop'.")
	}
	if len(info.FilesRestored) > 0 {
		fmt.Fprintf(out, "  Files restored: %s\n", strings.Join(info.FilesRestored, ", "))
	}
}

// newRewindCmd creates the rewind command
func newRewindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewind <task-id>",
		Short: "Move a task's state back through its history",
		Long: `Undo the last N state transitions. The move is recorded in history and
the retry count is kept. The working tree is not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := ensureIdle(a, args[0]); err != nil {
				return err
			}
			info, err := a.machine.Rollback(args[0], steps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", okMark(), info.TaskID, stateStyle(string(info.CurrentState)).Render(string(info.CurrentState)))
			return nil
		},
	}
	cmd.Flags().Int("steps", 1, "transitions to undo")
	return cmd
}

// newResetCmd creates the reset command
func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Return a task to queued so it can run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := ensureIdle(a, args[0]); err != nil {
				return err
			}
			info, err := a.machine.Reset(args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s reset to %s\n", okMark(), info.TaskID, info.CurrentState)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "reason recorded in history")
	return cmd
}

// ensureIdle refuses to touch a task another process is running.
func ensureIdle(a *app, taskID string) error {
	return lock.NewPIDGuard(a.cfg.StateDir, taskID).EnsureIdle()
}
