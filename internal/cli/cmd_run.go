package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/fsd/internal/events"
	"github.com/randalmurphal/fsd/internal/executor"
	"github.com/randalmurphal/fsd/internal/lock"
	"github.com/randalmurphal/fsd/internal/state"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [task-id...]",
		Short: "Execute tasks from the queue",
		Long: `Execute one or more tasks defined under .fsd/queue/.

Each task runs planning, then every plan step, then validation. Validation
failures trigger recovery and a full re-execution until the retry limit.
Up to parallel_tasks tasks run at once; they share the working tree.

Examples:
  fsd run auth-fix
  fsd run auth-fix rate-limit
  fsd run --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if len(args) == 0 && !all {
				return fmt.Errorf("specify task IDs or --all")
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ids := args
			if all {
				if ids, err = queuedTaskIDs(a); err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runnable tasks in the queue.")
					return nil
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTasks(ctx, a, dedupe(ids), cmd.OutOrStdout())
		},
	}

	cmd.Flags().Bool("all", false, "run every queued task that has not finished")
	return cmd
}

// queuedTaskIDs lists queue definitions whose task is unseen or queued.
func queuedTaskIDs(a *app) ([]string, error) {
	defs, invalid, err := a.tasks.List()
	if err != nil {
		return nil, err
	}
	for file, ierr := range invalid {
		a.logger.Warn("skipping invalid task file", "file", file, "error", ierr)
	}
	var ids []string
	for _, d := range defs {
		info, err := a.machine.Get(d.ID)
		if err != nil || info.CurrentState == state.Queued {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func runTasks(ctx context.Context, a *app, ids []string, out io.Writer) error {
	exec, err := a.executor()
	if err != nil {
		return err
	}

	progress := a.publisher.Subscribe(events.GlobalTaskID)
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		for e := range progress {
			printEvent(out, e)
		}
	}()

	results := make([]*executor.Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.ParallelTasks)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			guard := lock.NewPIDGuard(a.cfg.StateDir, id)
			if err := guard.Lock(); err != nil {
				results[i] = &executor.Result{TaskID: id, ErrorMessage: err.Error()}
				return nil
			}
			defer guard.Release()
			results[i] = exec.ExecuteTask(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	a.publisher.Unsubscribe(events.GlobalTaskID, progress)
	printer.Wait()

	failed := 0
	fmt.Fprintln(out)
	for _, r := range results {
		if r.Completed {
			fmt.Fprintf(out, "%s %s: %s (%s)\n", okMark(), r.TaskID, r.Summary, r.Duration.Round(time.Second))
			continue
		}
		failed++
		fmt.Fprintf(out, "%s %s: %s\n", failMark(), r.TaskID, r.ErrorMessage)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d: %w", failed, len(results), errTasksFailed)
	}
	return nil
}

func printEvent(out io.Writer, e events.Event) {
	switch data := e.Data.(type) {
	case events.TransitionData:
		fmt.Fprintf(out, "  %s: %s -> %s\n", e.TaskID, data.From, stateStyle(data.To).Render(data.To))
	case events.PhaseData:
		if verbose {
			fmt.Fprintf(out, "  %s: %s phase", e.TaskID, data.Phase)
			if data.Attempt > 0 {
				fmt.Fprintf(out, " (%d)", data.Attempt)
			}
			fmt.Fprintln(out)
		}
	case events.CheckpointData:
		if verbose {
			fmt.Fprintf(out, "  %s: checkpoint %s at %s\n", e.TaskID, data.CheckpointID, shortHash(data.CommitHash))
		}
	case events.ErrorData:
		fmt.Fprintf(out, "  %s: %s %s failed, retry %d: %s\n", e.TaskID, failMark(), data.Phase, data.Attempt, data.Message)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
