package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/convoy/internal/scheduler"
)

func newOutcomeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcome",
		Short: "Create and inspect outcomes",
	}
	cmd.AddCommand(
		newOutcomeCreateCmd(a),
		newOutcomeListCmd(a),
		newOutcomeStatusCmd(a),
		newOutcomeSetStatusCmd(a),
		newOutcomeConvergeCmd(a),
	)
	return cmd
}

func newOutcomeCreateCmd(a *app) *cobra.Command {
	var intent, parent string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			o, err := e.CreateOutcome(cmd.Context(), args[0], intent, parent)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), o, func(w io.Writer) {
				fmt.Fprintln(w, o.ID)
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "What achieving the outcome means")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent outcome id")
	return cmd
}

func newOutcomeListCmd(a *app) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]scheduler.OutcomeStatus, 0, len(statuses))
			for _, s := range statuses {
				status := scheduler.OutcomeStatus(s)
				if !status.Valid() {
					return fmt.Errorf("unknown outcome status %q", s)
				}
				filter = append(filter, status)
			}
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			outcomes, err := e.ListOutcomes(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), outcomes, func(w io.Writer) {
				for _, o := range outcomes {
					fmt.Fprintf(w, "%s  %-9s %s\n", o.ID, o.Status, o.Name)
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only outcomes in these statuses")
	return cmd
}

func newOutcomeStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status OUTCOME",
		Short: "Summarize an outcome's tasks, workers and convergence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			s, err := e.OutcomeSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), s, func(w io.Writer) {
				fmt.Fprintf(w, "outcome:    %s (%s)\n", s.Outcome.Name, s.Outcome.Status)
				fmt.Fprintf(w, "capability: %s (%d/%d done)\n", s.Readiness, s.Capability.Completed, s.Capability.Total)
				fmt.Fprintf(w, "tasks:      %d total, %d claimable, %d blocked\n", s.TotalTasks, s.Claimable, s.Blocked)
				for _, status := range []scheduler.TaskStatus{
					scheduler.TaskPending, scheduler.TaskClaimed, scheduler.TaskRunning,
					scheduler.TaskCompleted, scheduler.TaskFailed,
				} {
					fmt.Fprintf(w, "  %-10s %d\n", status, s.Tasks[status])
				}
				fmt.Fprintf(w, "workers:    %d (%d running), cost $%.2f\n", s.Workers, s.Running, s.TotalCost)
				printConvergence(w, s.Convergence)
			})
		},
	}
}

func newOutcomeSetStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status OUTCOME STATUS",
		Short: "Set an outcome's lifecycle status (active, dormant, achieved, archived)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := scheduler.OutcomeStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown outcome status %q", args[1])
			}
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			return e.SetOutcomeStatus(cmd.Context(), args[0], status)
		},
	}
}

func newOutcomeConvergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "converge OUTCOME",
		Short: "Show whether recent review cycles have converged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			status, err := e.ConvergenceStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), status, func(w io.Writer) {
				printConvergence(w, status)
			})
		},
	}
}

func printConvergence(w io.Writer, c scheduler.ConvergenceStatus) {
	if c.CyclesEvaluated == 0 {
		fmt.Fprintln(w, "review:     no cycles recorded")
		return
	}
	var flags []string
	if c.IsConverging {
		flags = append(flags, "converging")
	}
	if c.HasConverged {
		flags = append(flags, "converged")
	}
	fmt.Fprintf(w, "review:     cycle %d found %d issues, trend %s, %d clean in a row",
		c.LatestCycle, c.LatestIssues, c.Trend, c.ConsecutiveZeroIssues)
	if len(flags) > 0 {
		fmt.Fprintf(w, " [%s]", strings.Join(flags, ", "))
	}
	fmt.Fprintln(w)
}
