package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codemachine-cli/codemachine/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate [template]",
	Short: "Validate a workflow template",
	Long: `Validate a workflow template against the agent catalog and the
registered engines without executing it.

Checks:
- TOML/YAML syntax and unknown keys
- Agents, fallbacks and modules exist
- Engines are registered and enabled
- Loop targets, budgets and triggers`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var path string
	if len(args) > 0 {
		path = args[0]
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.dir, path)
		}
	}

	out := cmd.OutOrStdout()
	tmpl, catalog, err := a.orchestrator(nil, nil).Load(path)
	if err != nil {
		var vr *workflow.ValidationResult
		if errors.As(err, &vr) {
			for _, e := range vr.Errors {
				fmt.Fprintf(out, "  ✗ %s\n", e.Error())
			}
			return fmt.Errorf("template invalid: %d problem(s)", len(vr.Errors))
		}
		return err
	}

	fmt.Fprintf(out, "✓ %s is valid: %d steps, %d agents\n", tmpl.Path, len(tmpl.Steps), catalog.Len())
	for i, step := range tmpl.Steps {
		loops, _ := tmpl.LoopsFor(step)
		line := fmt.Sprintf("  %d. %s (%s)", i+1, step.ID, step.Agent)
		if step.Fallback != "" {
			line += ", fallback " + step.Fallback
		}
		if len(loops) > 0 {
			line += fmt.Sprintf(", %d loop(s)", len(loops))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
