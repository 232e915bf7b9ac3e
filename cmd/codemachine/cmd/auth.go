package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codemachine-cli/codemachine/internal/cli"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage engine credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login [engine]",
	Short: "Authenticate an engine",
	Long: `Run the engine's login flow unless credentials are already present.

Without an engine id, pick one from the engines that are not yet
authenticated. With CODEMACHINE_SKIP_AUTH set, a placeholder credential is
written instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout <engine>",
	Short: "Remove an engine's credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which engines are authenticated",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var authLogoutYes bool

func init() {
	authLogoutCmd.Flags().BoolVarP(&authLogoutYes, "yes", "y", false, "do not ask for confirmation")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var id string
	if len(args) > 0 {
		id = args[0]
	} else {
		var options []cli.SelectOption
		for _, e := range a.registry.List() {
			if e.Auth().IsAuthenticated(ctx) {
				continue
			}
			meta := e.Metadata()
			options = append(options, cli.SelectOption{Value: meta.ID, Label: fmt.Sprintf("%s (%s)", meta.Name, meta.ID)})
		}
		if len(options) == 0 {
			fmt.Fprintln(out, "All engines are authenticated.")
			return nil
		}
		id, err = cli.NewPrompter(cmd.InOrStdin(), out).Select("Select an engine to authenticate:", options)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}
	}

	eng, err := a.registry.Get(id)
	if err != nil {
		return err
	}
	if _, err := eng.Auth().EnsureAuth(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s authenticated\n", id)
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.registry.Get(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !authLogoutYes {
		ok, err := cli.NewPrompter(cmd.InOrStdin(), out).Confirm(fmt.Sprintf("Remove %s credentials?", args[0]), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}
	eng.Auth().ClearAuth(cmd.Context())
	fmt.Fprintf(out, "✓ %s logged out\n", args[0])
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, e := range a.registry.List() {
		id := e.Metadata().ID
		if e.Auth().IsAuthenticated(cmd.Context()) {
			fmt.Fprintf(out, "✓ %s authenticated\n", id)
		} else {
			fmt.Fprintf(out, "✗ %s not authenticated (run: codemachine auth login %s)\n", id, id)
		}
	}
	return nil
}
