// Package resume computes what is left to run for a directive from the
// stored attempt records and the live unit ordering.
package resume

import (
	"fmt"

	"promptpilot/internal/models"
	"promptpilot/internal/state"
	"promptpilot/internal/units"
)

// Action is the operator's choice for a directive with prior state.
type Action string

const (
	// ActionResume executes only the remaining units; nothing is cleared.
	ActionResume Action = "resume"
	// ActionRestart clears all stored state for the directive/agent pair
	// and executes the full set.
	ActionRestart Action = "restart"
	// ActionForce clears state and re-executes regardless of prior
	// completion.
	ActionForce Action = "force"
	// ActionSkip excludes the directive from this session.
	ActionSkip Action = "skip"
)

// Plan describes a directive's progress against the live unit ordering.
// Units that vanished from the project are dropped from Remaining even
// when previously pending or failed.
type Plan struct {
	Completed []string
	Failed    []string
	Pending   []string
	Remaining []string
	Resumable bool
	// CompletionRatio is completed over live total, in [0, 1].
	CompletionRatio float64
}

// Planner reads attempt records and builds plans.
type Planner struct {
	state *state.Store
}

// NewPlanner creates a planner over the given state store.
func NewPlanner(s *state.Store) *Planner {
	return &Planner{state: s}
}

// Plan computes the remaining work for a directive under one agent.
// Single-scope directives plan against the single whole-project unit
// (empty name), so Remaining has size zero or one. The computation is
// pure with respect to the store: planning twice without an execution
// in between yields identical plans.
func (p *Planner) Plan(d *models.Directive, agentID string, live []string) (*Plan, error) {
	attempts, err := p.state.Attempts(d.ID, agentID)
	if err != nil {
		return nil, fmt.Errorf("load attempts for %s: %w", d.ID, err)
	}

	byUnit := map[string]models.AttemptStatus{}
	for _, a := range attempts {
		byUnit[a.Unit] = a.Status
	}

	scope := live
	if d.Scope == models.ScopeSingle {
		scope = []string{""}
	}

	plan := &Plan{}
	for _, unit := range scope {
		switch byUnit[unit] {
		case models.AttemptCompleted:
			plan.Completed = append(plan.Completed, unit)
		case models.AttemptFailed:
			plan.Failed = append(plan.Failed, unit)
			plan.Remaining = append(plan.Remaining, unit)
		default:
			plan.Pending = append(plan.Pending, unit)
			plan.Remaining = append(plan.Remaining, unit)
		}
	}

	if len(scope) > 0 {
		plan.CompletionRatio = float64(len(plan.Completed)) / float64(len(scope))
	}
	plan.Resumable = len(plan.Completed) > 0 && len(plan.Remaining) > 0
	return plan, nil
}

// Prepare applies an action to a plan ahead of execution, returning the
// units to run. Restart and force clear the stored state first; skip
// returns nil.
func (p *Planner) Prepare(action Action, d *models.Directive, agentID string, live []string, plan *Plan) ([]string, error) {
	switch action {
	case ActionSkip:
		return nil, nil
	case ActionResume:
		return plan.Remaining, nil
	case ActionRestart, ActionForce:
		if err := p.state.Clear(d.ID, agentID); err != nil {
			return nil, fmt.Errorf("clear state for %s: %w", d.ID, err)
		}
		if d.Scope == models.ScopeSingle {
			return []string{""}, nil
		}
		return live, nil
	default:
		return nil, fmt.Errorf("unknown resumption action: %q", action)
	}
}

// LiveUnits recomputes the current unit ordering for planning.
func LiveUnits(root string) ([]string, error) {
	return units.Detect(root)
}
