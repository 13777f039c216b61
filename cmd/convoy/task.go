package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/convoy/internal/orchestrator"
	"github.com/aristath/convoy/internal/scheduler"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage an outcome's tasks",
	}
	cmd.AddCommand(
		newTaskAddCmd(a),
		newTaskListCmd(a),
		newTaskShowCmd(a),
		newTaskHistoryCmd(a),
		newTaskClaimableCmd(a),
		newTaskOrderCmd(a),
		newTaskDependCmd(a),
		newTaskResetCmd(a),
	)
	return cmd
}

type taskFlags struct {
	id             string
	title          string
	description    string
	prompt         string
	role           string
	priority       int
	maxAttempts    int
	dependsOn      []string
	capabilityType string
}

func (f taskFlags) task(outcomeID string) (*scheduler.Task, error) {
	t := &scheduler.Task{
		ID:          f.id,
		OutcomeID:   outcomeID,
		Title:       f.title,
		Description: f.description,
		Prompt:      f.prompt,
		AgentRole:   f.role,
		Priority:    f.priority,
		MaxAttempts: f.maxAttempts,
		DependsOn:   scheduler.NewDependencyList(f.dependsOn...),
	}
	if f.capabilityType != "" {
		ct := scheduler.CapabilityType(f.capabilityType)
		switch ct {
		case scheduler.CapabilitySkill, scheduler.CapabilityTool, scheduler.CapabilityConfig:
		default:
			return nil, fmt.Errorf("unknown capability type %q (skill, tool, config)", f.capabilityType)
		}
		t.Phase = scheduler.PhaseCapability
		t.CapabilityType = ct
	}
	return t, nil
}

func newTaskAddCmd(a *app) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "add OUTCOME",
		Short: "Add a task to an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := f.task(args[0])
			if err != nil {
				return err
			}
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			created, err := e.CreateTask(cmd.Context(), t)
			if err != nil {
				var verr *scheduler.ValidationError
				if errors.As(err, &verr) {
					return fmt.Errorf("task rejected:\n  %s", strings.Join(verr.Problems, "\n  "))
				}
				return err
			}
			return a.print(cmd.OutOrStdout(), created, func(w io.Writer) {
				fmt.Fprintln(w, created.ID)
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "Task id (default generated)")
	cmd.Flags().StringVar(&f.title, "title", "", "Task title (required)")
	cmd.Flags().StringVar(&f.description, "description", "", "Longer description")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "Instruction for the agent (default title and description)")
	cmd.Flags().StringVar(&f.role, "role", "", "Agent role (default worker.agent)")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "Priority, lower runs first (default tasks.default_priority)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Retry budget (default tasks.default_max_attempts)")
	cmd.Flags().StringSliceVar(&f.dependsOn, "depends-on", nil, "Ids of tasks that must complete first")
	cmd.Flags().StringVar(&f.capabilityType, "capability", "", "Mark as capability work: skill, tool or config")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func printTasks(w io.Writer, tasks []*scheduler.Task) {
	for _, t := range tasks {
		line := fmt.Sprintf("%-36s %-9s p%-4d %s", t.ID, t.Status, t.Priority, t.Title)
		if t.IsCapability() {
			line += fmt.Sprintf(" [%s]", t.CapabilityType)
		}
		if t.ClaimedBy != "" {
			line += " @" + t.ClaimedBy
		}
		fmt.Fprintln(w, line)
	}
}

func newTaskListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list OUTCOME",
		Short: "List every task of an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			tasks, err := e.ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), tasks, func(w io.Writer) { printTasks(w, tasks) })
		},
	}
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK",
		Short: "Show one task and what blocks it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openEngine(ctx, false)
			if err != nil {
				return err
			}
			t, err := e.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			blocking, err := e.BlockingTasks(ctx, t.ID)
			if err != nil {
				return err
			}
			result := struct {
				Task     *scheduler.Task
				Blocking []*scheduler.Task
			}{t, blocking}
			return a.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
				fmt.Fprintf(w, "status:   %s (attempt %d/%d)\n", t.Status, t.Attempts, t.MaxAttempts)
				fmt.Fprintf(w, "priority: %d  score %.2f\n", t.Priority, t.Score)
				if t.ClaimedBy != "" {
					fmt.Fprintf(w, "owner:    %s\n", t.ClaimedBy)
				}
				if len(t.DependsOn) > 0 {
					fmt.Fprintf(w, "depends:  %s\n", strings.Join(t.DependsOn, ", "))
				}
				if len(blocking) > 0 {
					fmt.Fprintln(w, "blocked by:")
					printTasks(w, blocking)
				}
				if t.LastError != "" {
					fmt.Fprintf(w, "last error: %s\n", t.LastError)
				}
				if t.Result != "" {
					fmt.Fprintf(w, "result:\n%s\n", t.Result)
				}
			})
		},
	}
}

func newTaskClaimableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claimable OUTCOME",
		Short: "List tasks a worker could claim now, in claim order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			tasks, err := e.ListClaimable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), tasks, func(w io.Writer) { printTasks(w, tasks) })
		},
	}
}

func newTaskOrderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "order OUTCOME",
		Short: "Print a dependency-respecting execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			order, err := e.ExecutionOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), order, func(w io.Writer) {
				for i, id := range order {
					fmt.Fprintf(w, "%3d. %s\n", i+1, id)
				}
			})
		},
	}
}

func newTaskDependCmd(a *app) *cobra.Command {
	var on []string
	cmd := &cobra.Command{
		Use:   "depend TASK",
		Short: "Add dependencies to a task, skipping any that would form a cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			report, err := e.AddDependencies(cmd.Context(), args[0], on)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				printDependencyReport(w, report)
			})
		},
	}
	cmd.Flags().StringSliceVar(&on, "on", nil, "Dependency task ids (required)")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func printDependencyReport(w io.Writer, report orchestrator.DependencyReport) {
	if len(report.Added) > 0 {
		fmt.Fprintf(w, "added: %s\n", strings.Join(report.Added, ", "))
	}
	for _, r := range report.Rejected {
		fmt.Fprintf(w, "rejected %s: cycle %s\n", r.DependencyID, strings.Join(r.Path, " -> "))
	}
}

func newTaskResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset TASK",
		Short: "Return a failed task to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			t, err := e.ResetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), t, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", t.ID, t.Status)
			})
		},
	}
}

func newTaskHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history TASK",
		Short: "Print the agent transcript of a task, every attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.openEngine(ctx, false)
			if err != nil {
				return err
			}
			if _, err := e.GetTask(ctx, args[0]); err != nil {
				return err
			}
			history, err := e.Store().GetHistory(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), history, func(w io.Writer) {
				if len(history) == 0 {
					fmt.Fprintln(w, "no transcript yet")
					return
				}
				for _, turn := range history {
					fmt.Fprintf(w, "[attempt %d] %s  %s\n%s\n\n", turn.Attempt, turn.Role, turn.Timestamp.Format("15:04:05"), turn.Content)
				}
			})
		},
	}
}
