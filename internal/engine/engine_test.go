package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"promptpilot/internal/agent"
	"promptpilot/internal/audit"
	"promptpilot/internal/classify"
	"promptpilot/internal/directive"
	"promptpilot/internal/models"
	"promptpilot/internal/resume"
	"promptpilot/internal/state"
	"promptpilot/internal/transport"
)

// fakeRunner records every argv and answers from a script.
type fakeRunner struct {
	calls   [][]string
	respond func(call int, argv []string) *transport.Result
}

func (f *fakeRunner) Invoke(_ context.Context, argv []string, _ time.Duration) (*transport.Result, error) {
	f.calls = append(f.calls, argv)
	if f.respond != nil {
		return f.respond(len(f.calls), argv), nil
	}
	return &transport.Result{ExitCode: 0}, nil
}

func hasArg(argv []string, s string) bool {
	for _, a := range argv {
		if a == s {
			return true
		}
	}
	return false
}

type fixture struct {
	engine     *Engine
	runner     *fakeRunner
	directives *directive.Store
	state      *state.Store
	recorder   *audit.Recorder
	unitsRoot  string
	registry   *agent.Registry
	events     []Event
}

func geminiProfile() models.AgentProfile {
	return models.AgentProfile{
		ID:             "gemini-main",
		Family:         models.FamilyGemini,
		Model:          "gemini-pro",
		FallbackModel:  "gemini-flash",
		ContinueFlag:   "--continue",
		UnattendedFlag: "--yolo",
		AllowEdits:     true,
	}
}

func claudeProfile() models.AgentProfile {
	return models.AgentProfile{
		ID:             "claude-main",
		Family:         models.FamilyClaude,
		Model:          "sonnet",
		FallbackModel:  "haiku",
		ContinueFlag:   "--continue",
		UnattendedFlag: "--dangerously-skip-permissions",
		AllowEdits:     true,
	}
}

func newFixture(t *testing.T, unitNames []string, profiles ...models.AgentProfile) *fixture {
	t.Helper()
	root := t.TempDir()

	unitsRoot := filepath.Join(root, "project")
	for _, u := range unitNames {
		if err := os.MkdirAll(filepath.Join(unitsRoot, u), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", u, err)
		}
	}

	ds, err := directive.NewStore(filepath.Join(root, "directives"))
	if err != nil {
		t.Fatalf("directive.NewStore failed: %v", err)
	}
	ss, err := state.New(filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("state.New failed: %v", err)
	}
	t.Cleanup(func() { ss.Close() })
	rec, err := audit.NewRecorder(filepath.Join(root, "audit.db"))
	if err != nil {
		t.Fatalf("audit.NewRecorder failed: %v", err)
	}
	t.Cleanup(func() { rec.Close() })

	if len(profiles) == 0 {
		profiles = []models.AgentProfile{geminiProfile(), claudeProfile()}
	}

	f := &fixture{
		runner:     &fakeRunner{},
		directives: ds,
		state:      ss,
		recorder:   rec,
		unitsRoot:  unitsRoot,
		registry:   agent.NewRegistry(profiles),
	}
	f.engine = New(Config{
		Directives: ds,
		State:      ss,
		Recorder:   rec,
		Runner:     f.runner,
		Agents:     f.registry,
		UnitsRoot:  unitsRoot,
		AuditPath:  filepath.Join(root, "audit.db"),
		Listener:   func(ev Event) { f.events = append(f.events, ev) },
	})
	return f
}

// reopen builds a second engine over the same stores, as a new session
// would.
func (f *fixture) reopen() *Engine {
	f.runner.calls = nil
	return New(Config{
		Directives: f.directives,
		State:      f.state,
		Recorder:   f.recorder,
		Runner:     f.runner,
		Agents:     f.registry,
		UnitsRoot:  f.unitsRoot,
	})
}

func saveDirective(t *testing.T, f *fixture, d *models.Directive) {
	t.Helper()
	if err := f.directives.Save(d); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func perUnitDirective(id, agentID string) *models.Directive {
	return &models.Directive{
		ID:              id,
		Text:            "apply the change in every unit",
		AgentID:         agentID,
		Scope:           models.ScopePerUnit,
		EditStatus:      models.EditComplete,
		ExecutionStatus: models.ExecDone,
	}
}

func TestRunExecutesUnitsInOrderWithContinuation(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2", "unit3"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(f.runner.calls) != 3 {
		t.Fatalf("Expected 3 invocations, got %d", len(f.runner.calls))
	}
	if hasArg(f.runner.calls[0], "--continue") {
		t.Errorf("First unit must not continue: %v", f.runner.calls[0])
	}
	for i := 1; i < 3; i++ {
		if !hasArg(f.runner.calls[i], "--continue") {
			t.Errorf("Unit %d should continue: %v", i+1, f.runner.calls[i])
		}
	}

	if len(sum.Outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(sum.Outcomes))
	}
	for i, want := range []string{"unit1", "unit2", "unit3"} {
		if sum.Outcomes[i].Unit != want {
			t.Errorf("Outcome %d is %s, want %s", i, sum.Outcomes[i].Unit, want)
		}
	}
	if sum.Stats.Attempted != 3 || sum.Stats.Completed != 3 || sum.Stats.Failed != 0 {
		t.Errorf("Stats wrong: %+v", sum.Stats)
	}

	d, _ := f.directives.Get("d1")
	if d.ExecutionStatus != models.ExecDone {
		t.Errorf("Expected done, got %s", d.ExecutionStatus)
	}
	if len(d.Results) != 3 {
		t.Errorf("Expected 3 history entries, got %d", len(d.Results))
	}
}

func TestSummaryOutcomesComeFromSessionCache(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(sum.Outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(sum.Outcomes))
	}
	for _, o := range sum.Outcomes {
		cached, ok := f.engine.sessionOutcome("d1", o.Unit)
		if !ok {
			t.Fatalf("No cached outcome for %s", o.Unit)
		}
		if cached != o {
			t.Errorf("Summary outcome for %s diverges from the cache: %+v vs %+v", o.Unit, o, cached)
		}
	}
	if _, ok := f.engine.sessionOutcome("d1", "unit9"); ok {
		t.Error("Cache reports an outcome for a unit that never ran")
	}
}

func TestRateLimitedUnitRetriesOnceWithFallback(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2", "unit3"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	// Second invocation (unit2, primary model) is rate limited; the
	// fallback retry and everything else succeed.
	f.runner.respond = func(call int, argv []string) *transport.Result {
		if call == 2 {
			return &transport.Result{ExitCode: 1, Stderr: "quota exceeded for model"}
		}
		return &transport.Result{ExitCode: 0, Stdout: "done"}
	}

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// unit1, unit2, unit2 retry, unit3.
	if len(f.runner.calls) != 4 {
		t.Fatalf("Expected 4 invocations, got %d", len(f.runner.calls))
	}
	if !hasArg(f.runner.calls[2], "gemini-flash") {
		t.Errorf("Retry should use the fallback model: %v", f.runner.calls[2])
	}

	att, _ := f.state.Get("d1", "gemini-main", "unit2")
	if att == nil {
		t.Fatal("No state record for unit2")
	}
	if att.Status != models.AttemptCompleted || att.RetryCount != 1 {
		t.Errorf("unit2 record wrong: %+v", att)
	}
	if att.ModelUsed != "gemini-pro -> gemini-flash" {
		t.Errorf("ModelUsed = %q", att.ModelUsed)
	}

	if sum.Stats.Retries != 1 || sum.Stats.RateLimitHits != 1 {
		t.Errorf("Stats wrong: %+v", sum.Stats)
	}
	if sum.Stats.Completed != 3 {
		t.Errorf("All units should complete after retry: %+v", sum.Stats)
	}
}

func TestFailedRetryStillProceedsToNextUnit(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2", "unit3"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	// unit2 is rate limited on both the primary and the fallback model.
	f.runner.respond = func(call int, argv []string) *transport.Result {
		if call == 2 || call == 3 {
			return &transport.Result{ExitCode: 1, Stderr: "quota exceeded"}
		}
		return &transport.Result{ExitCode: 0}
	}

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Exactly one retry, then on to unit3.
	if len(f.runner.calls) != 4 {
		t.Fatalf("Expected 4 invocations, got %d", len(f.runner.calls))
	}
	if sum.Stats.Completed != 2 || sum.Stats.Failed != 1 || sum.Stats.Retries != 1 {
		t.Errorf("Stats wrong: %+v", sum.Stats)
	}
	if sum.Stats.RateLimitHits != 2 {
		t.Errorf("Both rate-limited attempts should count: %+v", sum.Stats)
	}

	d, _ := f.directives.Get("d1")
	if d.ExecutionStatus != models.ExecFailed {
		t.Errorf("Expected failed, got %s", d.ExecutionStatus)
	}
}

func TestClaudeFamilyGetsNoEngineRetry(t *testing.T) {
	f := newFixture(t, []string{"unit1"})
	saveDirective(t, f, perUnitDirective("d1", "claude-main"))

	f.runner.respond = func(call int, argv []string) *transport.Result {
		return &transport.Result{ExitCode: 1, Stderr: "rate limit reached"}
	}

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The claude CLI receives --fallback-model and falls back on its
	// own; a second engine-level attempt would double up.
	if len(f.runner.calls) != 1 {
		t.Fatalf("Expected 1 invocation, got %d", len(f.runner.calls))
	}
	if !hasArg(f.runner.calls[0], "--fallback-model") {
		t.Errorf("Invocation should carry the internal fallback flag: %v", f.runner.calls[0])
	}
	if sum.Stats.Retries != 0 {
		t.Errorf("Expected no retries, got %d", sum.Stats.Retries)
	}
}

func TestInterruptAndResume(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2", "unit3"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	stopper := New(Config{
		Directives: f.directives,
		State:      f.state,
		Recorder:   f.recorder,
		Runner:     f.runner,
		Agents:     f.registry,
		UnitsRoot:  f.unitsRoot,
	})
	stopper.listener = func(ev Event) {
		if ev.Kind == EventUnitFinished && ev.Unit == "unit1" {
			stopper.RequestStop()
		}
	}

	if _, err := stopper.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.runner.calls) != 1 {
		t.Fatalf("Stop after unit1 should leave 1 invocation, got %d", len(f.runner.calls))
	}

	d, _ := f.directives.Get("d1")
	if d.ExecutionStatus != models.ExecCancelled {
		t.Errorf("Expected cancelled, got %s", d.ExecutionStatus)
	}

	// A new session resuming the directive runs only unit2 and unit3.
	second := f.reopen()
	sum, err := second.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.runner.calls) != 2 {
		t.Fatalf("Resume should run 2 units, got %d invocations", len(f.runner.calls))
	}
	if len(sum.Outcomes) != 2 || sum.Outcomes[0].Unit != "unit2" || sum.Outcomes[1].Unit != "unit3" {
		t.Errorf("Resume outcomes wrong: %+v", sum.Outcomes)
	}
	// unit2 is not first in the live ordering, so it continues even in
	// the fresh session.
	if !hasArg(f.runner.calls[0], "--continue") {
		t.Errorf("Resumed unit2 should continue: %v", f.runner.calls[0])
	}

	d, _ = f.directives.Get("d1")
	if d.ExecutionStatus != models.ExecDone {
		t.Errorf("Expected done after resume, got %s", d.ExecutionStatus)
	}
}

func TestSkipSelection(t *testing.T) {
	f := newFixture(t, []string{"unit1"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionSkip}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.runner.calls) != 0 {
		t.Errorf("Skip must not invoke anything, got %d calls", len(f.runner.calls))
	}
	if sum.Stats.Skipped != 1 {
		t.Errorf("Stats wrong: %+v", sum.Stats)
	}

	d, _ := f.directives.Get("d1")
	if d.ExecutionStatus != models.ExecSkipped {
		t.Errorf("Expected skipped, got %s", d.ExecutionStatus)
	}
}

func TestSingleScopeRunsOnceWithoutContinuation(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2"})
	d := perUnitDirective("d1", "gemini-main")
	d.Scope = models.ScopeSingle
	saveDirective(t, f, d)

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.runner.calls) != 1 {
		t.Fatalf("Single scope should invoke once, got %d", len(f.runner.calls))
	}
	if hasArg(f.runner.calls[0], "--continue") {
		t.Errorf("Single scope must not continue: %v", f.runner.calls[0])
	}
	if len(sum.Outcomes) != 1 || sum.Outcomes[0].Unit != "" {
		t.Errorf("Outcomes wrong: %+v", sum.Outcomes)
	}

	att, _ := f.state.Get("d1", "gemini-main", "")
	if att == nil || att.Status != models.AttemptCompleted {
		t.Errorf("Whole-project attempt record wrong: %+v", att)
	}
}

func TestDirectiveFailureIsContained(t *testing.T) {
	f := newFixture(t, []string{"unit1"})

	broken := perUnitDirective("broken", "no-such-agent")
	saveDirective(t, f, broken)
	saveDirective(t, f, perUnitDirective("ok", "gemini-main"))

	sum, err := f.engine.Run(context.Background(), []Selection{
		{DirectiveID: "broken", Action: resume.ActionResume},
		{DirectiveID: "ok", Action: resume.ActionResume},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(f.runner.calls) != 1 {
		t.Fatalf("Second directive should still run, got %d calls", len(f.runner.calls))
	}
	if sum.Stats.Completed != 1 {
		t.Errorf("Stats wrong: %+v", sum.Stats)
	}

	d, _ := f.directives.Get("ok")
	if d.ExecutionStatus != models.ExecDone {
		t.Errorf("Second directive should be done, got %s", d.ExecutionStatus)
	}
}

func TestNonExecutableDirectiveRejected(t *testing.T) {
	f := newFixture(t, []string{"unit1"})
	d := perUnitDirective("d1", "gemini-main")
	d.EditStatus = models.EditDraft
	saveDirective(t, f, d)

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(f.runner.calls) != 0 {
		t.Errorf("Draft directive must not run, got %d calls", len(f.runner.calls))
	}
	if sum.Stats.Failed != 1 {
		t.Errorf("Stats wrong: %+v", sum.Stats)
	}
}

func TestAuditTrailRecordsEveryAttempt(t *testing.T) {
	f := newFixture(t, []string{"unit1", "unit2"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	f.runner.respond = func(call int, argv []string) *transport.Result {
		if call == 2 {
			return &transport.Result{ExitCode: 1, Stderr: "quota exceeded"}
		}
		return &transport.Result{ExitCode: 0, Stdout: "done"}
	}

	if _, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := f.recorder.Entries(f.engine.SessionID())
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	// unit1, unit2 primary, unit2 fallback retry.
	if len(entries) != 3 {
		t.Fatalf("Expected 3 audit entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Prompt == "" {
			t.Error("Audit entry missing the full prompt")
		}
		if e.CommandDisplay == "" {
			t.Error("Audit entry missing the command display")
		}
	}
	if entries[2].RetryIndex != 1 {
		t.Errorf("Retry attempt should carry retry index 1: %+v", entries[2])
	}
}

func TestUnitOutputEventsForwarded(t *testing.T) {
	f := newFixture(t, []string{"unit1"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	if _, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var kinds []EventKind
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventDirectiveStarted, EventUnitStarted, EventUnitFinished, EventDirectiveFinished}
	if len(kinds) != len(want) {
		t.Fatalf("Events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestClassifierEvidenceSurfacesInOutcome(t *testing.T) {
	f := newFixture(t, []string{"unit1"})
	saveDirective(t, f, perUnitDirective("d1", "gemini-main"))

	f.runner.respond = func(call int, argv []string) *transport.Result {
		return &transport.Result{ExitCode: 0, Stderr: "permission denied while writing file"}
	}

	sum, err := f.engine.Run(context.Background(), []Selection{{DirectiveID: "d1", Action: resume.ActionResume}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Zero exit code must not mask the failure.
	if sum.Outcomes[0].Classification != classify.PermissionError {
		t.Errorf("Expected permission_error, got %s", sum.Outcomes[0].Classification)
	}

	att, _ := f.state.Get("d1", "gemini-main", "unit1")
	if att.Status != models.AttemptFailed {
		t.Errorf("Expected failed attempt, got %s", att.Status)
	}
	if att.Evidence == "" {
		t.Error("Evidence should be persisted with the failure")
	}
}
