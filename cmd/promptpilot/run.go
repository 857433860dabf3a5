package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"promptpilot/internal/directive"
	"promptpilot/internal/display"
	"promptpilot/internal/engine"
	"promptpilot/internal/resume"
	"promptpilot/internal/transport"
)

var (
	runAction string
	runAgent  string
	runAll    bool
	runPlain  bool
)

var runCmd = &cobra.Command{
	Use:   "run [directive-id]...",
	Short: "Execute directives against their bound agents",
	Args:  cobra.ArbitraryArgs,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAction, "action", string(resume.ActionResume),
		"resumption action: resume, restart, force, or skip")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "with --all, only directives bound to this agent")
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every executable directive")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "line output instead of the progress UI")
}

func runRun(cmd *cobra.Command, args []string) error {
	action := resume.Action(runAction)
	switch action {
	case resume.ActionResume, resume.ActionRestart, resume.ActionForce, resume.ActionSkip:
	default:
		return fmt.Errorf("unknown action %q", runAction)
	}

	if len(args) == 0 && !runAll {
		return fmt.Errorf("pass directive ids or --all")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ids := args
	if runAll {
		ds, err := a.directives.List(directive.Filter{AgentID: runAgent, ExecutableOnly: true})
		if err != nil {
			return err
		}
		ids = nil
		for _, d := range ds {
			ids = append(ids, d.ID)
		}
		if len(ids) == 0 {
			fmt.Println("no executable directives")
			return nil
		}
	}

	var selections []engine.Selection
	for _, id := range ids {
		selections = append(selections, engine.Selection{DirectiveID: id, Action: action})
	}

	events := make(chan engine.Event, 64)
	eng := engine.New(engine.Config{
		Directives: a.directives,
		State:      a.state,
		Recorder:   a.recorder,
		Runner:     transport.NewLocal(a.settings.ProjectRoot),
		Agents:     a.agents,
		UnitsRoot:  a.settings.ProjectRoot,
		AuditPath:  a.settings.AuditDB,
		Listener:   func(ev engine.Event) { events <- ev },
	})
	a.logger.Printf("session %s: running %d directive(s), action=%s",
		eng.SessionID(), len(selections), action)

	// First interrupt stops cooperatively at the next unit boundary; a
	// second one aborts the process.
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		fmt.Fprintln(os.Stderr, "stop requested; finishing the current unit")
		eng.RequestStop()
		<-sigc
		os.Exit(1)
	}()

	type runOutcome struct {
		sum *engine.Summary
		err error
	}
	done := make(chan runOutcome, 1)
	go func() {
		sum, err := eng.Run(context.Background(), selections)
		close(events)
		done <- runOutcome{sum, err}
	}()

	if runPlain {
		drainEvents(events, true)
	} else {
		prog := tea.NewProgram(display.NewProgress(events))
		_, uiErr := prog.Run()
		// The operator may quit the UI while the engine is mid-unit.
		// Keep consuming until the engine closes the channel, or its
		// listener blocks on a full buffer and the session hangs.
		drainEvents(events, uiErr != nil)
	}

	out := <-done
	if out.err != nil {
		return out.err
	}
	display.Summary(os.Stdout, out.sum)
	a.logger.Printf("session %s: attempted=%d completed=%d failed=%d skipped=%d retries=%d",
		out.sum.SessionID, out.sum.Stats.Attempted, out.sum.Stats.Completed,
		out.sum.Stats.Failed, out.sum.Stats.Skipped, out.sum.Stats.Retries)
	return nil
}

// drainEvents consumes the event channel until the engine closes it,
// optionally echoing each event as a line.
func drainEvents(events <-chan engine.Event, echo bool) {
	for ev := range events {
		if echo {
			printEvent(ev)
		}
	}
}

func printEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventUnitStarted:
		fmt.Printf("-> %s %s\n", ev.DirectiveID, ev.Unit)
	case engine.EventUnitOutput:
		fmt.Println(ev.Line)
	case engine.EventRetry:
		fmt.Printf("!! %s %s: %s, retrying with fallback\n", ev.DirectiveID, ev.Unit, ev.Classification)
	case engine.EventUnitFinished:
		fmt.Printf("<- %s %s: %s\n", ev.DirectiveID, ev.Unit, ev.Classification)
	case engine.EventDirectiveSkipped:
		fmt.Printf("-- %s skipped\n", ev.DirectiveID)
	case engine.EventDirectiveFinished:
		if ev.Err != "" {
			fmt.Printf("** %s: %s\n", ev.DirectiveID, ev.Err)
		}
	}
}
