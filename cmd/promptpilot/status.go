package main

import (
	"os"

	"github.com/spf13/cobra"

	"promptpilot/internal/directive"
	"promptpilot/internal/display"
	"promptpilot/internal/models"
	"promptpilot/internal/resume"
	"promptpilot/internal/units"
)

var (
	statusEdit       string
	statusExecution  string
	statusAgent      string
	statusExecutable bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List directives and their statuses",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusEdit, "edit", "", "filter by edit status")
	statusCmd.Flags().StringVar(&statusExecution, "execution", "", "filter by execution status")
	statusCmd.Flags().StringVar(&statusAgent, "agent", "", "filter by agent id")
	statusCmd.Flags().BoolVar(&statusExecutable, "executable", false, "only executable directives")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ds, err := a.directives.List(directive.Filter{
		EditStatus:      models.EditStatus(statusEdit),
		ExecutionStatus: models.ExecutionStatus(statusExecution),
		AgentID:         statusAgent,
		ExecutableOnly:  statusExecutable,
	})
	if err != nil {
		return err
	}

	ratios := map[string]float64{}
	if live, err := units.Detect(a.settings.ProjectRoot); err == nil {
		planner := resume.NewPlanner(a.state)
		for _, d := range ds {
			if plan, err := planner.Plan(d, d.AgentID, live); err == nil {
				ratios[d.ID] = plan.CompletionRatio
			}
		}
	}

	display.Directives(os.Stdout, ds, ratios)
	return nil
}
