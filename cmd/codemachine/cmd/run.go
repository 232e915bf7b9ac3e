package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codemachine-cli/codemachine/internal/engine"
	"github.com/codemachine-cli/codemachine/internal/orchestrator"
	"github.com/codemachine-cli/codemachine/internal/recovery"
	"github.com/codemachine-cli/codemachine/internal/runstate"
	"github.com/codemachine-cli/codemachine/internal/status"
	"github.com/codemachine-cli/codemachine/internal/stream"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow from its first step",
	Long: `Start a new run of the project's workflow template.

The template, agent catalog and engines are validated before anything
executes. Progress is persisted under .codemachine/runs/<id>.yaml after
every step; an interrupted run can be continued with 'codemachine resume'.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runTemplate string
	runQuiet    bool
)

func init() {
	runCmd.Flags().StringVarP(&runTemplate, "template", "t", "", "workflow template (default: paths.template from config)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "only show errors from agents")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if runTemplate != "" {
		a.cfg.Paths.Template = runTemplate
	}
	return a.execute(cmd, runQuiet, func(ctx context.Context, o *orchestrator.Orchestrator) (*orchestrator.Result, error) {
		return o.Run(ctx)
	})
}

type startFunc func(ctx context.Context, o *orchestrator.Orchestrator) (*orchestrator.Result, error)

// execute runs start with signal handling and live progress, then reports
// the outcome. A run that does not complete is returned as an error.
func (a *app) execute(cmd *cobra.Command, quiet bool, start startFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	// Publish blocks on a full buffer, so the printer drains even when quiet.
	hub := stream.NewHub[engine.Progress]()
	events := hub.Subscribe(stream.DefaultBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if quiet && ev.Kind != engine.KindError {
				continue
			}
			fmt.Fprintln(out, status.FormatProgress("", ev, a.format))
		}
	}()

	completion := recovery.CompletionFunc(func(_ context.Context, r recovery.Report) error {
		if r.Total > 0 {
			fmt.Fprintf(out, "\nAll %d tasks complete.\n", r.Total)
		} else {
			fmt.Fprintln(out, "\nWorkflow complete.")
		}
		return nil
	})

	res, err := start(ctx, a.orchestrator(hub, completion))
	hub.Close()
	wg.Wait()
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprint(out, "\n"+status.FormatInstances(a.tracker.Snapshot(), time.Now(), a.format))
	}
	fmt.Fprintf(out, "\nRun %s: %s after %d invocations", res.RunID, res.Status, res.Invocations)
	if res.Total > 0 {
		fmt.Fprintf(out, ", %d/%d tasks done", res.Done, res.Total)
	}
	fmt.Fprintln(out)

	if res.Status != runstate.StatusCompleted {
		a.logger.Debug("run halted", "run_id", res.RunID, "error", res.Err)
		return fmt.Errorf("run %s halted: %s\n  Resume with: codemachine resume %s", res.RunID, res.Reason, res.RunID)
	}
	return nil
}
