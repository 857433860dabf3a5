package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"promptpilot/internal/agent"
	"promptpilot/internal/display"
	"promptpilot/internal/resume"
	"promptpilot/internal/units"
)

var planShowCommands bool

var planCmd = &cobra.Command{
	Use:   "plan [directive-id]",
	Short: "Show remaining work for a directive",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planShowCommands, "commands", false,
		"also show the redacted invocation for each remaining unit")
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.directives.Get(args[0])
	if err != nil {
		return err
	}
	profile, err := a.agents.Lookup(d.AgentID)
	if err != nil {
		return err
	}
	live, err := units.Detect(a.settings.ProjectRoot)
	if err != nil {
		return fmt.Errorf("detect units: %w", err)
	}

	plan, err := resume.NewPlanner(a.state).Plan(d, profile.ID, live)
	if err != nil {
		return err
	}
	display.Plan(os.Stdout, d.ID, plan)

	if planShowCommands {
		for _, unit := range plan.Remaining {
			inv, err := agent.Build(agent.Request{
				Profile:   profile,
				Text:      d.Text,
				Unit:      unit,
				Scope:     d.Scope,
				Mode:      agent.ModeUnattended,
				LiveUnits: live,
			})
			if err != nil {
				return err
			}
			fmt.Printf("  %s: %s\n", unitLabel(unit), inv.Display)
		}
	}
	return nil
}

func unitLabel(unit string) string {
	if unit == "" {
		return "(whole project)"
	}
	return unit
}
