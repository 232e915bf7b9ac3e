package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose    bool
	workDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "codemachine",
	Short: "Orchestrate coding agents through a resumable workflow",
	Long: `codemachine runs a multi-step workflow of external coding agents
(codex, claude, a local ollama server) against a project directory.

Steps run in order, may loop back to earlier steps when an agent's output
matches a trigger, and persist their progress so an interrupted run can be
resumed. Each agent's final output is kept as its memory and every run is
recorded under .codemachine/.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.codemachine and <workdir>/.codemachine)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("codemachine {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}
