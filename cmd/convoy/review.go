package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/convoy/internal/scheduler"
)

func newReviewCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record and list review cycles",
	}
	cmd.AddCommand(newReviewRecordCmd(a), newReviewListCmd(a))
	return cmd
}

func newReviewRecordCmd(a *app) *cobra.Command {
	var issues, tasksAdded int
	var verificationFile string
	cmd := &cobra.Command{
		Use:   "record OUTCOME",
		Short: "Append a review pass to an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verification, err := readVerification(verificationFile)
			if err != nil {
				return err
			}
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			cycle, status, err := e.RecordReviewCycle(cmd.Context(), args[0], issues, tasksAdded, verification)
			if err != nil {
				return err
			}
			result := struct {
				Cycle       *scheduler.ReviewCycle
				Convergence scheduler.ConvergenceStatus
			}{cycle, status}
			return a.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "recorded cycle %d\n", cycle.CycleNumber)
				printConvergence(w, status)
			})
		},
	}
	cmd.Flags().IntVar(&issues, "issues", 0, "Issues found by the review")
	cmd.Flags().IntVar(&tasksAdded, "tasks-added", 0, "Follow-up tasks created by the review")
	cmd.Flags().StringVar(&verificationFile, "verification", "", "JSON verification payload file ('-' for stdin)")
	return cmd
}

// readVerification parses an optional verification payload.
func readVerification(path string) (*scheduler.Verification, error) {
	if path == "" {
		return nil, nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading verification: %w", err)
	}
	var v scheduler.Verification
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing verification: %w", err)
	}
	return &v, nil
}

func newReviewListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list OUTCOME",
		Short: "List recent review cycles, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			cycles, err := e.ReviewCycles(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), cycles, func(w io.Writer) {
				for _, c := range cycles {
					line := fmt.Sprintf("#%d  %d issues, %d tasks added  %s", c.CycleNumber, c.IssuesFound, c.TasksAdded, c.CreatedAt.Format("2006-01-02 15:04"))
					if c.Verification != nil {
						line += fmt.Sprintf("  verification passed=%t", c.Verification.Passed)
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum cycles to show")
	return cmd
}
