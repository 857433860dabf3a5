// Package engine drives directive execution: planning, sequential
// per-unit runs, retry/fallback, and persistence after every unit.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"promptpilot/internal/agent"
	"promptpilot/internal/audit"
	"promptpilot/internal/classify"
	"promptpilot/internal/directive"
	"promptpilot/internal/models"
	"promptpilot/internal/resume"
	"promptpilot/internal/state"
	"promptpilot/internal/transport"
	"promptpilot/internal/units"
)

// Selection pairs a directive with the operator's resumption choice.
type Selection struct {
	DirectiveID string
	Action      resume.Action
}

// EventKind tags engine events for the display layer.
type EventKind string

const (
	EventDirectiveStarted  EventKind = "directive_started"
	EventDirectiveFinished EventKind = "directive_finished"
	EventDirectiveSkipped  EventKind = "directive_skipped"
	EventUnitStarted       EventKind = "unit_started"
	EventUnitOutput        EventKind = "unit_output"
	EventUnitFinished      EventKind = "unit_finished"
	EventRetry             EventKind = "retry"
)

// Event is one observable step of a session. The display layer consumes
// these; the engine itself acts only on terminal results.
type Event struct {
	Kind           EventKind
	DirectiveID    string
	Unit           string
	Line           string
	Classification classify.Kind
	Err            string
}

// Listener receives engine events. May be nil.
type Listener func(Event)

// UnitOutcome is the terminal result of one unit within the session.
type UnitOutcome struct {
	DirectiveID    string
	Unit           string
	Classification classify.Kind
	Retried        bool
	// RateLimitHits counts rate-limited attempts, including ones a
	// fallback retry later recovered from.
	RateLimitHits int
	ModelUsed     string
	Duration      time.Duration
}

// Stats aggregates a session.
type Stats struct {
	Attempted     int
	Completed     int
	Failed        int
	Skipped       int
	Retries       int
	RateLimitHits int
	Duration      time.Duration
}

// Summary is what a finished session reports back to the operator.
type Summary struct {
	SessionID string
	Outcomes  []UnitOutcome
	Stats     Stats
	AuditPath string
}

// Engine owns the directive and state stores for the duration of one
// session; nothing else writes them while it runs.
type Engine struct {
	directives *directive.Store
	state      *state.Store
	planner    *resume.Planner
	recorder   *audit.Recorder
	runner     transport.Runner
	agents     *agent.Registry
	unitsRoot  string
	auditPath  string
	listener   Listener

	sessionID string
	stop      atomic.Bool

	// sessionResults caches this session's terminal outcomes, keyed by
	// directive id then unit. Summary assembly reads outcomes back from
	// here; the cache is discarded with the engine at session end.
	sessionResults map[string]map[string]UnitOutcome
}

// Config wires an engine's collaborators.
type Config struct {
	Directives *directive.Store
	State      *state.Store
	Recorder   *audit.Recorder
	Runner     transport.Runner
	Agents     *agent.Registry
	UnitsRoot  string
	AuditPath  string
	Listener   Listener
}

// New creates an engine for one session.
func New(cfg Config) *Engine {
	return &Engine{
		directives:     cfg.Directives,
		state:          cfg.State,
		planner:        resume.NewPlanner(cfg.State),
		recorder:       cfg.Recorder,
		runner:         cfg.Runner,
		agents:         cfg.Agents,
		unitsRoot:      cfg.UnitsRoot,
		auditPath:      cfg.AuditPath,
		listener:       cfg.Listener,
		sessionID:      uuid.New().String(),
		sessionResults: map[string]map[string]UnitOutcome{},
	}
}

// SessionID returns this session's identifier, used to locate its audit
// entries.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// RequestStop asks the engine to halt. The request is honored between
// units only; the in-flight unit always finishes and persists first.
func (e *Engine) RequestStop() {
	e.stop.Store(true)
}

func (e *Engine) emit(ev Event) {
	if e.listener != nil {
		e.listener(ev)
	}
}

// Run executes the selected directives strictly sequentially and
// returns the session summary. A failure inside one directive never
// propagates to the others.
func (e *Engine) Run(ctx context.Context, selections []Selection) (*Summary, error) {
	start := time.Now()
	sum := &Summary{SessionID: e.sessionID, AuditPath: e.auditPath}

	for _, sel := range selections {
		if e.stop.Load() || ctx.Err() != nil {
			break
		}
		outcomes, err := e.runDirective(ctx, sel, &sum.Stats)
		if err != nil {
			// Configuration mistakes (unknown directive, unsupported
			// agent) fail this directive without touching the rest.
			log.Printf("engine: directive %s: %v", sel.DirectiveID, err)
			e.emit(Event{Kind: EventDirectiveFinished, DirectiveID: sel.DirectiveID, Err: err.Error()})
			sum.Stats.Failed++
			continue
		}
		sum.Outcomes = append(sum.Outcomes, outcomes...)
	}

	sum.Stats.Duration = time.Since(start)
	return sum, nil
}

func (e *Engine) runDirective(ctx context.Context, sel Selection, stats *Stats) ([]UnitOutcome, error) {
	d, err := e.directives.Get(sel.DirectiveID)
	if err != nil {
		return nil, err
	}
	if !d.Executable() {
		return nil, fmt.Errorf("directive %s is not executable (edit=%s, execution=%s)",
			d.ID, d.EditStatus, d.ExecutionStatus)
	}
	profile, err := e.agents.Lookup(d.AgentID)
	if err != nil {
		return nil, err
	}

	if sel.Action == resume.ActionSkip {
		e.setStatus(d, models.ExecSkipped)
		if err := e.directives.Save(d); err != nil {
			log.Printf("engine: persist skip for %s: %v", d.ID, err)
		}
		e.emit(Event{Kind: EventDirectiveSkipped, DirectiveID: d.ID})
		stats.Skipped++
		return nil, nil
	}

	live, err := units.Detect(e.unitsRoot)
	if err != nil {
		return nil, fmt.Errorf("detect units: %w", err)
	}

	plan, err := e.planner.Plan(d, profile.ID, live)
	if err != nil {
		return nil, err
	}
	toRun, err := e.planner.Prepare(sel.Action, d, profile.ID, live, plan)
	if err != nil {
		return nil, err
	}
	if len(toRun) == 0 {
		// Nothing remaining; treat as already done.
		e.setStatus(d, models.ExecDone)
		if err := e.directives.Save(d); err != nil {
			log.Printf("engine: persist %s: %v", d.ID, err)
		}
		e.emit(Event{Kind: EventDirectiveFinished, DirectiveID: d.ID})
		return nil, nil
	}

	e.emit(Event{Kind: EventDirectiveStarted, DirectiveID: d.ID})
	e.setStatus(d, models.ExecRunning)
	d.LastExecution = time.Now().UTC()
	if err := e.directives.Save(d); err != nil {
		log.Printf("engine: persist %s: %v", d.ID, err)
	}

	var ran []string
	stopped := false
	for _, unit := range toRun {
		if e.stop.Load() || ctx.Err() != nil {
			stopped = true
			break
		}
		out := e.runUnit(ctx, d, profile, unit)
		e.remember(out)
		ran = append(ran, unit)

		stats.Attempted++
		if out.Retried {
			stats.Retries++
		}
		stats.RateLimitHits += out.RateLimitHits
		if out.Classification == classify.Completed {
			stats.Completed++
		} else {
			stats.Failed++
		}
	}

	// The summary reports what the session cache holds, in run order.
	outcomes := make([]UnitOutcome, 0, len(ran))
	for _, unit := range ran {
		if out, ok := e.sessionOutcome(d.ID, unit); ok {
			outcomes = append(outcomes, out)
		}
	}

	d, err = e.directives.Get(d.ID)
	if err != nil {
		return outcomes, err
	}
	e.setStatus(d, e.finalStatus(d, profile.ID, live, stopped))
	if err := e.directives.Save(d); err != nil {
		log.Printf("engine: persist %s: %v", d.ID, err)
	}
	e.emit(Event{Kind: EventDirectiveFinished, DirectiveID: d.ID})
	return outcomes, nil
}

// finalStatus derives the directive's execution status from the stored
// per-unit records after a run.
func (e *Engine) finalStatus(d *models.Directive, agentID string, live []string, stopped bool) models.ExecutionStatus {
	plan, err := e.planner.Plan(d, agentID, live)
	if err != nil {
		log.Printf("engine: replan %s: %v", d.ID, err)
		return models.ExecFailed
	}
	switch {
	case len(plan.Remaining) == 0:
		return models.ExecDone
	case stopped:
		return models.ExecCancelled
	default:
		return models.ExecFailed
	}
}

// runUnit executes one unit to its terminal classification, applying
// the single fallback retry, and persists both stores before returning.
// Failures are converted into the outcome; nothing escapes.
func (e *Engine) runUnit(ctx context.Context, d *models.Directive, profile models.AgentProfile, unit string) UnitOutcome {
	e.emit(Event{Kind: EventUnitStarted, DirectiveID: d.ID, Unit: unit})
	started := time.Now().UTC()

	e.persistAttempt(state.Attempt{
		DirectiveID: d.ID,
		AgentID:     profile.ID,
		Unit:        unit,
		Status:      models.AttemptRunning,
		StartedAt:   started,
	}, d, nil)

	verdict, modelUsed, retried, rateHits := e.attemptWithFallback(ctx, d, profile, unit)
	ended := time.Now().UTC()

	status := models.AttemptCompleted
	if verdict.Kind != classify.Completed {
		status = models.AttemptFailed
	}

	att := state.Attempt{
		DirectiveID:    d.ID,
		AgentID:        profile.ID,
		Unit:           unit,
		Status:         status,
		Classification: string(verdict.Kind),
		Evidence:       verdict.Evidence,
		Output:         verdict.output,
		Error:          verdict.errText,
		ModelUsed:      modelUsed,
		StartedAt:      started,
		EndedAt:        ended,
		DurationMS:     ended.Sub(started).Milliseconds(),
	}
	if retried {
		att.RetryCount = 1
	}

	res := models.ExecutionResult{
		Unit:       unit,
		Status:     status,
		StartTime:  started,
		EndTime:    ended,
		DurationMS: att.DurationMS,
		Output:     att.Output,
		Error:      att.Error,
		RetryCount: att.RetryCount,
		ModelUsed:  modelUsed,
	}
	e.persistAttempt(att, d, &res)

	e.emit(Event{
		Kind:           EventUnitFinished,
		DirectiveID:    d.ID,
		Unit:           unit,
		Classification: verdict.Kind,
		Err:            att.Error,
	})
	return UnitOutcome{
		DirectiveID:    d.ID,
		Unit:           unit,
		Classification: verdict.Kind,
		Retried:        retried,
		RateLimitHits:  rateHits,
		ModelUsed:      modelUsed,
		Duration:       ended.Sub(started),
	}
}

// unitVerdict augments a classification with the attempt's raw text.
type unitVerdict struct {
	classify.Verdict
	output  string
	errText string
}

// attemptWithFallback runs the unit once and, when the classification
// is retry-eligible, the fallback model exists, and the agent family
// does not already fall back internally, exactly once more with the
// fallback model substituted.
func (e *Engine) attemptWithFallback(ctx context.Context, d *models.Directive, profile models.AgentProfile, unit string) (unitVerdict, string, bool, int) {
	primary := d.Model
	if primary == "" {
		primary = profile.Model
	}
	fallback := d.FallbackModel
	if fallback == "" {
		fallback = profile.FallbackModel
	}

	rateHits := 0
	v := e.attempt(ctx, d, profile, unit, primary, 0)
	if v.Kind == classify.RateLimited {
		rateHits++
	}
	if !v.Kind.Retryable() || fallback == "" || profile.InternalFallback() {
		return v, primary, false, rateHits
	}

	e.emit(Event{Kind: EventRetry, DirectiveID: d.ID, Unit: unit, Classification: v.Kind})
	log.Printf("engine: %s/%s classified %s, retrying with fallback model %s",
		d.ID, unit, v.Kind, fallback)

	v = e.attempt(ctx, d, profile, unit, fallback, 1)
	if v.Kind == classify.RateLimited {
		rateHits++
	}
	return v, primary + " -> " + fallback, true, rateHits
}

// attempt performs one agent invocation and records it in the audit
// trail. Everything that can go wrong becomes a classification.
func (e *Engine) attempt(ctx context.Context, d *models.Directive, profile models.AgentProfile, unit string, model string, retryIndex int) unitVerdict {
	// Recomputed live for every build; continuation must see the
	// current ordering, never a cached one.
	live, detectErr := units.Detect(e.unitsRoot)
	if detectErr != nil {
		live = nil
	}

	inv, err := agent.Build(agent.Request{
		Profile:   profile,
		Text:      d.Text,
		Unit:      unit,
		Scope:     d.Scope,
		Mode:      agent.ModeUnattended,
		LiveUnits: live,
		Model:     model,
	})
	if err != nil {
		return unitVerdict{
			Verdict: classify.Verdict{Kind: classify.UnknownFailure, Evidence: err.Error()},
			errText: err.Error(),
		}
	}

	started := time.Now().UTC()
	var res *transport.Result
	if streamer, ok := e.runner.(interface {
		InvokeStream(context.Context, []string, time.Duration, func(string)) (*transport.Result, error)
	}); ok {
		res, err = streamer.InvokeStream(ctx, inv.Argv, inv.Timeout, func(line string) {
			e.emit(Event{Kind: EventUnitOutput, DirectiveID: d.ID, Unit: unit, Line: line})
		})
	} else {
		res, err = e.runner.Invoke(ctx, inv.Argv, inv.Timeout)
	}
	ended := time.Now().UTC()

	if err != nil {
		verdict := classify.Verdict{Kind: classify.UnknownFailure, Evidence: err.Error()}
		e.record(d, profile, unit, inv.Display, nil, verdict, model, retryIndex, started, ended)
		return unitVerdict{Verdict: verdict, errText: err.Error()}
	}

	verdict := classify.Classify(res.Stdout, res.Stderr, res.ExitCode, res.TimedOut, profile.Family)
	e.record(d, profile, unit, inv.Display, res, verdict, model, retryIndex, started, ended)

	uv := unitVerdict{Verdict: verdict, output: res.Stdout}
	if verdict.Kind != classify.Completed {
		uv.errText = verdict.Evidence
		if uv.errText == "" {
			uv.errText = fmt.Sprintf("exit code %d", res.ExitCode)
		}
	}
	return uv
}

// record appends the attempt to the audit trail; failures are logged
// and swallowed so auditing never takes down the session.
func (e *Engine) record(d *models.Directive, profile models.AgentProfile, unit, display string, res *transport.Result, verdict classify.Verdict, model string, retryIndex int, started, ended time.Time) {
	if e.recorder == nil {
		return
	}
	entry := audit.Entry{
		SessionID:      e.sessionID,
		DirectiveID:    d.ID,
		AgentID:        profile.ID,
		Unit:           unit,
		Prompt:         d.Text,
		CommandDisplay: display,
		Classification: string(verdict.Kind),
		Evidence:       verdict.Evidence,
		RetryIndex:     retryIndex,
		ModelUsed:      model,
		StartedAt:      started,
		EndedAt:        ended,
	}
	if res != nil {
		entry.Stdout = res.Stdout
		entry.Stderr = res.Stderr
		entry.ExitCode = res.ExitCode
	}
	e.recorder.Record(entry)
}

// persistAttempt writes the state store record and, when a result is
// supplied, the directive's own history entry. Both are written before
// the next unit starts; persistence failures are logged, not raised.
func (e *Engine) persistAttempt(att state.Attempt, d *models.Directive, res *models.ExecutionResult) {
	if err := e.state.Record(att); err != nil {
		log.Printf("engine: record state for %s/%s: %v", att.DirectiveID, att.Unit, err)
	}
	if res == nil {
		return
	}
	fresh, err := e.directives.Get(d.ID)
	if err != nil {
		log.Printf("engine: reload %s: %v", d.ID, err)
		return
	}
	fresh.AddResult(*res)
	if err := e.directives.Save(fresh); err != nil {
		log.Printf("engine: persist history for %s: %v", d.ID, err)
	}
}

// setStatus applies a validated execution-status change. An invalid
// transition is a bug in the workflow table, so it is logged and the
// status is left alone rather than forced.
func (e *Engine) setStatus(d *models.Directive, next models.ExecutionStatus) {
	if err := d.TransitionExecutionTo(next); err != nil {
		log.Printf("engine: %s: %v", d.ID, err)
	}
}

func (e *Engine) remember(out UnitOutcome) {
	m := e.sessionResults[out.DirectiveID]
	if m == nil {
		m = map[string]UnitOutcome{}
		e.sessionResults[out.DirectiveID] = m
	}
	m[out.Unit] = out
}

// sessionOutcome returns this session's cached terminal outcome for a
// unit, if it ran.
func (e *Engine) sessionOutcome(directiveID, unit string) (UnitOutcome, bool) {
	out, ok := e.sessionResults[directiveID][unit]
	return out, ok
}
