package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/codemachine-cli/codemachine/internal/orchestrator"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Continue a halted run",
	Long: `Continue a halted run from its persisted cursor.

Without a run id the most recent run is resumed. When a task ledger exists,
the first step receives a summary of the tasks completed so far.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

var resumeQuiet bool

func init() {
	resumeCmd.Flags().BoolVarP(&resumeQuiet, "quiet", "q", false, "only show errors from agents")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var runID string
	if len(args) > 0 {
		runID = args[0]
	}
	return a.execute(cmd, resumeQuiet, func(ctx context.Context, o *orchestrator.Orchestrator) (*orchestrator.Result, error) {
		return o.Resume(ctx, runID)
	})
}
