package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair state left behind by crashed workers",
		Long: `Marks running workers whose process is gone as paused, returns their
claimed and running tasks to pending, clears stale pids and corrects cached
capability readiness. Safe to run at any time; a second run changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			report, err := e.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "workers orphaned:     %d\n", report.WorkersOrphaned)
				fmt.Fprintf(w, "tasks reset:          %d\n", report.TasksReset)
				fmt.Fprintf(w, "pids cleared:         %d\n", report.PidsCleared)
				fmt.Fprintf(w, "capability corrected: %d\n", report.CapabilityCorrected)
				fmt.Fprintf(w, "took %s\n", report.Duration)
			})
		},
	}
}
