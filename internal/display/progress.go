package display

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"promptpilot/internal/engine"
)

const maxOutputLines = 12

var (
	unitTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	outputStyle    = lipgloss.NewStyle().Foreground(mutedColor).PaddingLeft(2)
)

// doneMsg signals that the engine finished and the program may exit.
type doneMsg struct{}

// Progress is a bubbletea model that follows a running session. Engine
// events arrive on a channel; the engine itself never blocks on the UI.
type Progress struct {
	events  <-chan engine.Event
	spinner spinner.Model

	currentDirective string
	currentUnit      string
	output           []string
	finished         []string
	done             bool
}

// NewProgress creates the progress model over an event channel. Close
// the channel when the session ends.
func NewProgress(events <-chan engine.Event) *Progress {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
	return &Progress{events: events, spinner: sp}
}

// Init starts the spinner and the event pump.
func (p *Progress) Init() tea.Cmd {
	return tea.Batch(p.spinner.Tick, p.waitForEvent())
}

func (p *Progress) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-p.events
		if !ok {
			return doneMsg{}
		}
		return ev
	}
}

// Update handles spinner ticks, engine events, and quit keys.
func (p *Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return p, tea.Quit
		}
	case doneMsg:
		p.done = true
		return p, tea.Quit
	case engine.Event:
		p.apply(msg)
		return p, p.waitForEvent()
	case spinner.TickMsg:
		var cmd tea.Cmd
		p.spinner, cmd = p.spinner.Update(msg)
		return p, cmd
	}
	return p, nil
}

func (p *Progress) apply(ev engine.Event) {
	switch ev.Kind {
	case engine.EventDirectiveStarted:
		p.currentDirective = ev.DirectiveID
	case engine.EventUnitStarted:
		p.currentUnit = ev.Unit
		p.output = nil
	case engine.EventUnitOutput:
		p.output = append(p.output, ev.Line)
		if len(p.output) > maxOutputLines {
			p.output = p.output[len(p.output)-maxOutputLines:]
		}
	case engine.EventRetry:
		p.finished = append(p.finished,
			warnStyle.Render(fmt.Sprintf("  %s %s: %s, retrying with fallback", ev.DirectiveID, unitName(ev.Unit), ev.Classification)))
	case engine.EventUnitFinished:
		mark := okStyle.Render("ok")
		if ev.Classification != "completed" {
			mark = failStyle.Render(string(ev.Classification))
		}
		p.finished = append(p.finished,
			fmt.Sprintf("  %s %s: %s", ev.DirectiveID, unitName(ev.Unit), mark))
		p.currentUnit = ""
		p.output = nil
	case engine.EventDirectiveSkipped:
		p.finished = append(p.finished,
			mutedStyle.Render(fmt.Sprintf("  %s: skipped", ev.DirectiveID)))
	case engine.EventDirectiveFinished:
		if ev.Err != "" {
			p.finished = append(p.finished,
				failStyle.Render(fmt.Sprintf("  %s: %s", ev.DirectiveID, ev.Err)))
		}
		p.currentDirective = ""
	}
}

// View renders finished work, the in-flight unit, and its output tail.
func (p *Progress) View() string {
	var b strings.Builder
	for _, line := range p.finished {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if p.done {
		return b.String()
	}
	if p.currentDirective != "" {
		b.WriteString(fmt.Sprintf("%s %s",
			p.spinner.View(),
			unitTitleStyle.Render(p.currentDirective+" / "+unitName(p.currentUnit))))
		b.WriteByte('\n')
		for _, line := range p.output {
			b.WriteString(outputStyle.Render(line))
			b.WriteByte('\n')
		}
	}
	return b.String()
}
