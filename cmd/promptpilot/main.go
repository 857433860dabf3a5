package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "promptpilot",
	Short: "promptpilot - directive orchestration for CLI coding agents",
	Long: `promptpilot runs stored directives against CLI coding agents,
one project unit at a time, with resumable state, fallback retries,
and a full audit trail.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	viper.SetEnvPrefix("PROMPTPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.String("project-root", "", "project directory scanned for units (default: cwd)")
	pf.String("data-dir", "", "promptpilot data directory (default: <project-root>/.promptpilot)")
	pf.String("directives-dir", "", "directory holding directive documents")
	pf.String("agents-file", "", "agent profiles file")
	pf.String("state-db", "", "execution state database path")
	pf.String("audit-db", "", "audit trail database path")
	pf.String("log-dir", "", "session log directory")

	for _, name := range []string{"project-root", "data-dir", "directives-dir", "agents-file", "state-db", "audit-db", "log-dir"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
