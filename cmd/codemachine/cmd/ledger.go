package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codemachine-cli/codemachine/internal/ledger"
	"github.com/codemachine-cli/codemachine/internal/status"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the task ledger",
	Long: `Show the project's task ledger (.codemachine/plan/tasks.json by
default) with each task's phase and completion.

Tasks are normally marked done by the workflow when an agent's output is
accepted. Use 'ledger done' and 'ledger reopen' to correct them by hand;
fields the workflow does not know about are preserved.`,
	Args: cobra.NoArgs,
	RunE: runLedger,
}

var ledgerDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskDone(cmd, args[0], true)
	},
}

var ledgerReopenCmd = &cobra.Command{
	Use:   "reopen <task-id>",
	Short: "Mark a task not done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskDone(cmd, args[0], false)
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerDoneCmd, ledgerReopenCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := ledger.Load(a.cfg.LedgerPath(a.dir))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), status.FormatLedger(l, a.format))
	return nil
}

func setTaskDone(cmd *cobra.Command, id string, done bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := ledger.Load(a.cfg.LedgerPath(a.dir))
	if err != nil {
		return err
	}
	if err := l.SetDone(id, done); err != nil {
		return err
	}
	d, total := l.Progress()
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s done=%t (%d/%d tasks done)\n", id, done, d, total)
	return nil
}
