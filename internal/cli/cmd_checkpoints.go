package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/fsd/internal/checkpoint"
)

// newCheckpointsCmd creates the checkpoints command group
func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and manage task checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd())
	cmd.AddCommand(newCheckpointsStatsCmd())
	cmd.AddCommand(newCheckpointsCreateCmd())
	cmd.AddCommand(newCheckpointsCleanupCmd())
	cmd.AddCommand(newCheckpointsDeleteCmd())
	return cmd
}

func newCheckpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's checkpoints, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				cps, err := store.List(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), cps)
				}
				showCheckpoints(cmd.OutOrStdout(), cps)
				return nil
			})
		},
	}
}

func showCheckpoints(out io.Writer, cps []*checkpoint.Metadata) {
	if len(cps) == 0 {
		fmt.Fprintln(out, "No checkpoints.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCOMMIT\tSTATE\tCREATED\tDESCRIPTION")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cp.CheckpointID,
			cp.Type,
			shortHash(cp.CommitHash),
			cp.StateLabel,
			cp.CreatedAt.Local().Format(time.DateTime),
			cp.Description,
		)
	}
	_ = tw.Flush()
}

func newCheckpointsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <task-id>",
		Short: "Summarize a task's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				stats, err := store.Stats(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return printJSON(out, stats)
				}
				fmt.Fprintf(out, "Task:          %s\n", stats.TaskID)
				fmt.Fprintf(out, "Checkpoints:   %d\n", stats.Total)
				if stats.Total == 0 {
					return nil
				}
				fmt.Fprintf(out, "Earliest:      %s\n", stats.Earliest.Local().Format(time.DateTime))
				fmt.Fprintf(out, "Latest:        %s\n", stats.Latest.Local().Format(time.DateTime))
				fmt.Fprintf(out, "Files changed: %d\n", stats.TotalFilesChanged)
				fmt.Fprintf(out, "Avg interval:  %s\n", stats.AverageInterval.Round(time.Second))
				for _, t := range checkpoint.AllTypes {
					if n := stats.ByType[t]; n > 0 {
						fmt.Fprintf(out, "  %-16s %d\n", t, n)
					}
				}
				return nil
			})
		},
	}
}

func newCheckpointsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <task-id>",
		Short: "Create a manual checkpoint of the working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				if err := ensureIdle(a, args[0]); err != nil {
					return err
				}
				opts := checkpoint.CreateOptions{Description: message}
				if s, err := a.machine.State(args[0]); err == nil {
					opts.StateLabel = string(s)
				}
				cp, err := store.Create(args[0], checkpoint.Manual, opts)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), cp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Created checkpoint %s at %s\n", okMark(), cp.CheckpointID, shortHash(cp.CommitHash))
				return nil
			})
		},
	}
	cmd.Flags().StringP("message", "m", "", "checkpoint description")
	return cmd
}

func newCheckpointsCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup <task-id>",
		Short: "Delete old checkpoints, keeping the newest",
		Long: `Delete old checkpoints of a task. The newest --keep checkpoints are kept,
together with the newest N of each type given by --keep-type.

Example:
  fsd checkpoints cleanup auth-fix --keep 3 --keep-type step_complete=2,pre_recovery=1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			rawByType, _ := cmd.Flags().GetStringToInt("keep-type")
			byType, err := parseKeepByType(rawByType)
			if err != nil {
				return err
			}
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				if err := ensureIdle(a, args[0]); err != nil {
					return err
				}
				if keep < 0 {
					keep = a.cfg.Checkpoint.KeepLatest
				}
				removed, err := store.Cleanup(args[0], keep, byType)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoint(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().Int("keep", -1, "checkpoints to keep (default from checkpoint.keep_latest)")
	cmd.Flags().StringToInt("keep-type", nil, "also keep the newest N of a type, as type=N")
	return cmd
}

// parseKeepByType validates --keep-type keys as checkpoint types.
func parseKeepByType(raw map[string]int) (map[checkpoint.Type]int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[checkpoint.Type]int, len(raw))
	for name, n := range raw {
		typ, err := checkpoint.ParseType(name)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("keep count for %s must be non-negative, got %d", name, n)
		}
		out[typ] = n
	}
	return out, nil
}

func newCheckpointsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete every checkpoint of a task and its tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpoints(func(a *app, store *checkpoint.Store) error {
				if err := ensureIdle(a, args[0]); err != nil {
					return err
				}
				removed, err := store.DeleteAll(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d checkpoint(s)\n", removed)
				return nil
			})
		},
	}
}

// withCheckpoints runs fn with an app and its checkpoint store.
func withCheckpoints(fn func(a *app, store *checkpoint.Store) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	store, err := a.checkpointStore()
	if err != nil {
		return err
	}
	return fn(a, store)
}
