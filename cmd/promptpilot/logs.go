package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"promptpilot/internal/audit"
)

var (
	logsSession string
	logsFull    bool
)

var logsCmd = &cobra.Command{
	Use:   "logs [directive-id]",
	Short: "Show the audit trail for a directive or session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsSession, "session", "", "show one session's attempts instead")
	logsCmd.Flags().BoolVar(&logsFull, "full", false, "print full prompts and output streams")
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []audit.Entry
	switch {
	case logsSession != "":
		entries, err = a.recorder.Entries(logsSession)
	case len(args) == 1:
		entries, err = a.recorder.EntriesForDirective(args[0])
	default:
		return fmt.Errorf("pass a directive id or --session")
	}
	if err != nil {
		return err
	}

	if logsFull {
		for _, e := range entries {
			fmt.Printf("=== %s %s/%s attempt %d (%s)\n", e.StartedAt.Format("2006-01-02 15:04:05"),
				e.DirectiveID, e.Unit, e.RetryIndex, e.Classification)
			fmt.Printf("command: %s\nmodel: %s\nexit: %d\n", e.CommandDisplay, e.ModelUsed, e.ExitCode)
			fmt.Printf("--- prompt\n%s\n--- stdout\n%s\n--- stderr\n%s\n", e.Prompt, e.Stdout, e.Stderr)
		}
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"When", "Directive", "Unit", "Try", "Model", "Outcome", "Evidence"})
	for _, e := range entries {
		tw.AppendRow(table.Row{
			e.StartedAt.Format("2006-01-02 15:04:05"),
			e.DirectiveID, e.Unit, e.RetryIndex, e.ModelUsed,
			e.Classification, e.Evidence,
		})
	}
	tw.Render()

	if logsSession != "" {
		sum, err := a.recorder.Summarize(logsSession)
		if err != nil {
			return err
		}
		fmt.Printf("%d attempt(s)", sum.Attempts)
		for k, n := range sum.ByClassification {
			fmt.Printf("  %s=%d", k, n)
		}
		fmt.Println()
	}
	return nil
}
