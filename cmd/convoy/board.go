package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/convoy/internal/tui"
)

func newBoardCmd(a *app) *cobra.Command {
	var outcomeID string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Watch an outcome's queue, workers and convergence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.logToFile("board.log"); err != nil {
				return err
			}
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			if _, err := e.GetOutcome(cmd.Context(), outcomeID); err != nil {
				return err
			}
			return tui.Run(cmd.Context(), tui.Options{
				Source:      tui.EngineSource{Engine: e},
				OutcomeID:   outcomeID,
				Config:      a.cfg,
				GlobalPath:  a.globalPath,
				ProjectPath: a.projectPath,
			})
		},
	}
	cmd.Flags().StringVar(&outcomeID, "outcome", "", "Outcome to watch (required)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}
