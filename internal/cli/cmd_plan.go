package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/fsd/internal/plan"
)

// newPlanCmd creates the plan command
func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <task-id>",
		Short: "Show a task's execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, ok := a.plans.Load(args[0])
			if !ok {
				return fmt.Errorf("no plan for task %s", args[0])
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), p)
			}
			showPlan(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func showPlan(out io.Writer, p *plan.ExecutionPlan) {
	fmt.Fprintln(out, styleHeading.Render("Plan for "+p.TaskID))
	fmt.Fprintf(out, "  %s\n", p.Summary())
	if p.Analysis != "" {
		fmt.Fprintf(out, "\n%s\n", p.Analysis)
	}
	fmt.Fprintln(out)
	for _, s := range p.Steps {
		marker := " "
		if s.Checkpoint {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d. %s", marker, s.StepNumber, s.Description)
		if s.EstimatedDuration != "" {
			fmt.Fprintf(out, " %s", styleDim.Render("("+s.EstimatedDuration+")"))
		}
		fmt.Fprintln(out)
		if len(s.FilesToModify) > 0 {
			fmt.Fprintf(out, "     files: %s\n", strings.Join(s.FilesToModify, ", "))
		}
		if s.Validation != "" {
			fmt.Fprintf(out, "     check: %s\n", s.Validation)
		}
	}
	if len(p.Risks) > 0 {
		fmt.Fprintln(out, "\nRisks:")
		for _, r := range p.Risks {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
}
