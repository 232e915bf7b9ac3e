package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/status"
	"github.com/codemachine-cli/codemachine/internal/telemetry"
	"github.com/codemachine-cli/codemachine/internal/workflow"
)

// Status command flags
var (
	statusJSON      bool
	statusFilter    string
	statusQuiet     bool
	statusTelemetry bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status",
	Long: `Display recorded runs.

Without a run id, lists every run newest first. With a run id, shows the
run's cursor, step statistics, loop counters, task progress and errors.

Examples:
  codemachine status                   # List runs
  codemachine status 7f3c...           # Details for one run
  codemachine status --filter=halted   # Only halted runs
  codemachine status --telemetry       # Token usage per provider and model
  codemachine status --json            # Output as JSON`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "output as JSON")
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "filter by status (running, completed, halted)")
	statusCmd.Flags().BoolVarP(&statusQuiet, "quiet", "q", false, "minimal output")
	statusCmd.Flags().BoolVar(&statusTelemetry, "telemetry", false, "show recorded token usage instead of runs")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	opts := a.format
	opts.Quiet = statusQuiet

	if statusTelemetry {
		entries, err := telemetry.Load(a.cfg.TelemetryPath(a.dir))
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(out, entries)
		}
		fmt.Fprint(out, status.FormatTelemetry(entries, opts))
		return nil
	}

	store, err := runstate.NewYAMLStore(a.cfg.RunsDir(a.dir))
	if err != nil {
		return err
	}

	if len(args) == 0 {
		filter := runstate.Filter{Status: runstate.Status(statusFilter)}
		switch filter.Status {
		case "", runstate.StatusRunning, runstate.StatusCompleted, runstate.StatusHalted:
		default:
			return fmt.Errorf("unknown status filter %q", statusFilter)
		}
		runs, err := store.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		summaries := make([]*status.RunSummary, len(runs))
		for i, run := range runs {
			summaries[i] = status.NewRunSummary(run, nil, nil)
		}
		if statusJSON {
			return writeJSON(out, summaries)
		}
		fmt.Fprint(out, status.FormatRunList(summaries, opts))
		return nil
	}

	run, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	// The template and ledger only add detail; a run outlives both.
	tmpl, err := workflow.Load(run.TemplatePath)
	if err != nil {
		a.logger.Debug("template unavailable", "path", run.TemplatePath, "error", err)
		tmpl = nil
	}
	l, err := ledger.Load(a.cfg.LedgerPath(a.dir))
	switch {
	case cmerrors.HasCode(err, cmerrors.CodeIOFileNotFound):
		l = nil
	case err != nil:
		return err
	}

	summary := status.NewRunSummary(run, tmpl, l)
	if statusJSON {
		return writeJSON(out, summary)
	}
	fmt.Fprint(out, status.FormatRun(summary, opts))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
