package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codemachine-cli/codemachine/internal/status"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List registered engines",
	Long: `List the enabled engines in selection order with their CLI binary,
default model, reasoning effort and whether credentials are present.

The default engine is marked with '*'.`,
	Args: cobra.NoArgs,
	RunE: runEngines,
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}

func runEngines(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var defaultID string
	if def, err := a.registry.Default(); err == nil {
		defaultID = def.Metadata().ID
	}

	var rows []status.EngineRow
	for _, e := range a.registry.List() {
		meta := e.Metadata()
		rows = append(rows, status.EngineRow{
			Meta:          meta,
			Authenticated: e.Auth().IsAuthenticated(cmd.Context()),
			Default:       meta.ID == defaultID,
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), status.FormatEngines(rows, a.format))
	return nil
}
