package main

import (
	"os"

	"github.com/spf13/cobra"

	"promptpilot/internal/agent"
	"promptpilot/internal/display"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agent profiles and their availability",
	RunE:  runAgents,
}

func runAgents(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	display.Agents(os.Stdout, a.agents.Profiles(), agent.Available)
	return nil
}
