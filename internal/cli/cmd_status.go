package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/fsd/internal/state"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status [task-id]",
		Aliases: []string{"st"},
		Short:   "Show task states",
		Long: `Show every known task's lifecycle state, or details for one task.

Examples:
  fsd status
  fsd status auth-fix
  fsd status --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				info, err := a.requireTask(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(out, info)
				}
				showTaskDetail(out, a, info)
				return nil
			}

			infos := a.machine.All()
			if jsonOut {
				return printJSON(out, infos)
			}
			showStatusTable(out, infos)
			return nil
		},
	}
}

func showStatusTable(out io.Writer, infos []*state.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No tasks found.")
		fmt.Fprintln(out, "\nGet started:")
		fmt.Fprintln(out, "  Add a task definition under .fsd/queue/ and run 'fsd run <task-id>'")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tRETRIES\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			info.TaskID,
			info.CurrentState,
			info.RetryCount,
			formatAge(info.UpdatedAt),
		)
	}
	_ = tw.Flush()

	counts := make(map[state.TaskState]int)
	for _, info := range infos {
		counts[info.CurrentState]++
	}
	fmt.Fprintln(out)
	for _, s := range state.AllStates {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(out, "%s: %d  ", stateStyle(string(s)).Render(string(s)), n)
		}
	}
	fmt.Fprintln(out)
}

func showTaskDetail(out io.Writer, a *app, info *state.Info) {
	fmt.Fprintln(out, styleHeading.Render(info.TaskID))
	fmt.Fprintf(out, "  State:    %s\n", stateStyle(string(info.CurrentState)).Render(string(info.CurrentState)))
	fmt.Fprintf(out, "  Created:  %s\n", info.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "  Updated:  %s (%s)\n", info.UpdatedAt.Local().Format(time.DateTime), formatAge(info.UpdatedAt))
	fmt.Fprintf(out, "  Retries:  %d\n", info.RetryCount)
	if info.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:    %s\n", styleFail.Render(info.ErrorMessage))
	}
	if summary, ok := a.plans.Summary(info.TaskID); ok {
		fmt.Fprintf(out, "  Plan:     %s\n", summary)
	}
	if last, ok := info.LastTransition(); ok {
		fmt.Fprintf(out, "  Last:     %s -> %s", last.From, last.To)
		if last.Reason != "" {
			fmt.Fprintf(out, " (%s)", last.Reason)
		}
		fmt.Fprintln(out)
	}
}

// newHistoryCmd creates the history command
func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task's state transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			history, err := a.machine.History(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, history)
			}
			showHistory(out, history)
			return nil
		},
	}
}

func showHistory(out io.Writer, history []state.Transition) {
	if len(history) == 0 {
		fmt.Fprintln(out, "No transitions recorded.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIME\tFROM\tTO\tREASON")
	for i, tr := range history {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, tr.Timestamp.Local().Format(time.DateTime), tr.From, tr.To, tr.Reason)
	}
	_ = tw.Flush()
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
