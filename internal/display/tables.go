// Package display renders directives, plans, and session summaries for
// the terminal.
package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"promptpilot/internal/engine"
	"promptpilot/internal/models"
	"promptpilot/internal/resume"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(successColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warningColor)
	failStyle   = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

// Directives renders the directive listing table. ratios maps directive
// id to completion ratio; ids absent from the map show no progress.
func Directives(w io.Writer, ds []*models.Directive, ratios map[string]float64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Agent", "Scope", "Edit", "Execution", "Progress", "Last Run"})
	for _, d := range ds {
		lastRun := ""
		if !d.LastExecution.IsZero() {
			lastRun = d.LastExecution.Format("2006-01-02 15:04")
		}
		progress := ""
		if r, ok := ratios[d.ID]; ok {
			progress = fmt.Sprintf("%.0f%%", r*100)
		}
		tw.AppendRow(table.Row{
			d.ID, d.ShortName, d.AgentID, d.Scope,
			d.EditStatus, colorStatus(d.ExecutionStatus), progress, lastRun,
		})
	}
	tw.Render()
}

func colorStatus(s models.ExecutionStatus) string {
	switch s {
	case models.ExecDone:
		return okStyle.Render(string(s))
	case models.ExecFailed, models.ExecCancelled:
		return failStyle.Render(string(s))
	case models.ExecRunning:
		return warnStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

// Plan renders the resumption plan for one directive.
func Plan(w io.Writer, directiveID string, p *resume.Plan) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Plan for %s (%.0f%% complete)", directiveID, p.CompletionRatio*100)))

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Unit", "State"})
	for _, u := range p.Completed {
		tw.AppendRow(table.Row{unitName(u), okStyle.Render("completed")})
	}
	for _, u := range p.Failed {
		tw.AppendRow(table.Row{unitName(u), failStyle.Render("failed")})
	}
	for _, u := range p.Pending {
		tw.AppendRow(table.Row{unitName(u), mutedStyle.Render("pending")})
	}
	tw.Render()

	if p.Resumable {
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d unit(s) remaining; resume to continue.", len(p.Remaining))))
	}
}

func unitName(u string) string {
	if u == "" {
		return "(whole project)"
	}
	return u
}

// Summary renders the session summary after a run.
func Summary(w io.Writer, sum *engine.Summary) {
	fmt.Fprintln(w, headerStyle.Render("Session "+sum.SessionID))

	if len(sum.Outcomes) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Directive", "Unit", "Outcome", "Model", "Duration"})
		for _, o := range sum.Outcomes {
			outcome := string(o.Classification)
			if o.Classification == "completed" {
				outcome = okStyle.Render(outcome)
			} else {
				outcome = failStyle.Render(outcome)
			}
			if o.Retried {
				outcome += mutedStyle.Render(" (retried)")
			}
			tw.AppendRow(table.Row{
				o.DirectiveID, unitName(o.Unit), outcome,
				o.ModelUsed, o.Duration.Round(100 * time.Millisecond).String(),
			})
		}
		tw.Render()
	}

	st := sum.Stats
	parts := []string{
		fmt.Sprintf("attempted %d", st.Attempted),
		okStyle.Render(fmt.Sprintf("completed %d", st.Completed)),
		failStyle.Render(fmt.Sprintf("failed %d", st.Failed)),
		fmt.Sprintf("skipped %d", st.Skipped),
		fmt.Sprintf("retries %d", st.Retries),
		fmt.Sprintf("rate limits %d", st.RateLimitHits),
		fmt.Sprintf("in %s", st.Duration.Round(100*time.Millisecond)),
	}
	fmt.Fprintln(w, strings.Join(parts, "  |  "))
	if sum.AuditPath != "" {
		fmt.Fprintln(w, mutedStyle.Render("audit trail: "+sum.AuditPath))
	}
}

// Agents renders the configured agent profiles with availability.
func Agents(w io.Writer, profiles []models.AgentProfile, available func(models.AgentProfile) bool) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Family", "Model", "Fallback", "Continues", "Available"})
	for _, p := range profiles {
		cont := "no"
		if p.SupportsContinuation() {
			cont = "yes"
		}
		avail := failStyle.Render("missing")
		if available(p) {
			avail = okStyle.Render("on PATH")
		}
		tw.AppendRow(table.Row{p.ID, p.Family, p.Model, p.FallbackModel, cont, avail})
	}
	tw.Render()
}
