// Package models defines the core domain types for promptpilot.
package models

import (
	"fmt"
	"time"
)

// Scope determines whether a directive runs once for the whole project
// or once per detected unit.
type Scope string

const (
	ScopeSingle  Scope = "single"
	ScopePerUnit Scope = "per-unit"
)

// EditStatus represents the authoring state of a directive.
type EditStatus string

const (
	EditDraft      EditStatus = "draft"
	EditIncomplete EditStatus = "incomplete"
	EditNeedsWork  EditStatus = "needs_work"
	EditComplete   EditStatus = "complete"
)

var editTransitions = map[EditStatus][]EditStatus{
	EditDraft:      {EditIncomplete, EditNeedsWork, EditComplete},
	EditIncomplete: {EditDraft, EditNeedsWork, EditComplete},
	EditNeedsWork:  {EditDraft, EditIncomplete, EditComplete},
	EditComplete:   {EditDraft, EditIncomplete, EditNeedsWork},
}

// Valid reports whether s is a known edit status.
func (s EditStatus) Valid() bool {
	switch s {
	case EditDraft, EditIncomplete, EditNeedsWork, EditComplete:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edit workflow allows moving to next.
func (s EditStatus) CanTransitionTo(next EditStatus) bool {
	for _, t := range editTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ExecutionStatus represents the execution lifecycle state of a directive.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecDone      ExecutionStatus = "done"
	ExecFailed    ExecutionStatus = "failed"
	ExecSkipped   ExecutionStatus = "skipped"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal statuses may be re-queued, re-run, skipped outright, or
// resolved to done when every unit turns out to be already recorded as
// complete.
var execTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecPending:   {ExecRunning, ExecSkipped, ExecCancelled},
	ExecRunning:   {ExecDone, ExecFailed, ExecCancelled},
	ExecDone:      {ExecPending, ExecRunning, ExecSkipped},
	ExecFailed:    {ExecPending, ExecRunning, ExecDone, ExecSkipped},
	ExecSkipped:   {ExecPending, ExecRunning, ExecDone},
	ExecCancelled: {ExecPending, ExecRunning, ExecDone, ExecSkipped},
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecPending, ExecRunning, ExecDone, ExecFailed, ExecSkipped, ExecCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the execution workflow allows moving to next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, t := range execTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AttemptStatus is the state of one execution attempt for one unit.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// OutputPreviewLimit bounds the output excerpt stored in a directive's
// history. The audit trail keeps the untruncated output.
const OutputPreviewLimit = 1000

// ExecutionResult records one attempt against one unit. Unit is empty for
// single-scope directives.
type ExecutionResult struct {
	Unit       string        `yaml:"unit,omitempty" json:"unit,omitempty"`
	Status     AttemptStatus `yaml:"status" json:"status"`
	StartTime  time.Time     `yaml:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime    time.Time     `yaml:"end_time,omitempty" json:"end_time,omitempty"`
	DurationMS int64         `yaml:"duration_ms" json:"duration_ms"`
	Output     string        `yaml:"output,omitempty" json:"output,omitempty"`
	Error      string        `yaml:"error,omitempty" json:"error,omitempty"`
	RetryCount int           `yaml:"retry_count" json:"retry_count"`
	ModelUsed  string        `yaml:"model_used,omitempty" json:"model_used,omitempty"`
}

// Duration returns the wall time of the attempt.
func (r ExecutionResult) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// Directive is a stored task description bound to one execution agent.
type Directive struct {
	ID               string `yaml:"id" json:"id"`
	ShortName        string `yaml:"short_name,omitempty" json:"short_name,omitempty"`
	ShortDescription string `yaml:"short_description,omitempty" json:"short_description,omitempty"`
	Text             string `yaml:"prompt" json:"prompt"`

	AgentID       string `yaml:"agent_id" json:"agent_id"`
	Model         string `yaml:"model,omitempty" json:"model,omitempty"`
	FallbackModel string `yaml:"fallback_model,omitempty" json:"fallback_model,omitempty"`

	Scope           Scope           `yaml:"execution_scope" json:"execution_scope"`
	EditStatus      EditStatus      `yaml:"edit_status" json:"edit_status"`
	ExecutionStatus ExecutionStatus `yaml:"execution_status" json:"execution_status"`

	CreatedAt     time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	LastEdited    time.Time `yaml:"last_edited,omitempty" json:"last_edited,omitempty"`
	LastExecution time.Time `yaml:"last_execution,omitempty" json:"last_execution,omitempty"`

	Results []ExecutionResult `yaml:"results,omitempty" json:"results,omitempty"`
}

// Executable reports whether the directive may be run: authoring must be
// complete and no execution may be queued or in flight.
func (d *Directive) Executable() bool {
	if d.EditStatus != EditComplete {
		return false
	}
	return d.ExecutionStatus != ExecPending && d.ExecutionStatus != ExecRunning
}

// TransitionExecutionTo moves the directive to next after validating the
// change against the execution workflow. Writing the current status
// again is a no-op.
func (d *Directive) TransitionExecutionTo(next ExecutionStatus) error {
	if next == d.ExecutionStatus {
		return nil
	}
	if !d.ExecutionStatus.CanTransitionTo(next) {
		return fmt.Errorf("execution status %s cannot move to %s", d.ExecutionStatus, next)
	}
	d.ExecutionStatus = next
	return nil
}

// AddResult appends a result to the history, superseding any earlier
// result for the same unit. LastExecution follows the newest timestamp.
func (d *Directive) AddResult(r ExecutionResult) {
	kept := d.Results[:0]
	for _, existing := range d.Results {
		if existing.Unit != r.Unit {
			kept = append(kept, existing)
		}
	}
	d.Results = append(kept, r)
	if !r.EndTime.IsZero() {
		d.LastExecution = r.EndTime
	} else if !r.StartTime.IsZero() {
		d.LastExecution = r.StartTime
	}
}

// ResultFor returns the recorded result for a unit, if any.
func (d *Directive) ResultFor(unit string) (ExecutionResult, bool) {
	for _, r := range d.Results {
		if r.Unit == unit {
			return r, true
		}
	}
	return ExecutionResult{}, false
}

// AgentFamily identifies a supported CLI agent implementation.
type AgentFamily string

const (
	FamilyClaude AgentFamily = "claude"
	FamilyGemini AgentFamily = "gemini"
)

// AgentProfile is a read-only capability descriptor for one configured
// agent binding.
type AgentProfile struct {
	ID            string      `yaml:"id" json:"id"`
	Name          string      `yaml:"name,omitempty" json:"name,omitempty"`
	Family        AgentFamily `yaml:"family" json:"family"`
	Verb          string      `yaml:"verb,omitempty" json:"verb,omitempty"`
	Model         string      `yaml:"model" json:"model"`
	FallbackModel string      `yaml:"fallback_model,omitempty" json:"fallback_model,omitempty"`

	// ContinueFlag is the agent's session-continuation flag
	// (e.g. "--continue"). Empty means the agent cannot continue sessions.
	ContinueFlag string `yaml:"continue_flag,omitempty" json:"continue_flag,omitempty"`
	// UnattendedFlag grants unattended edit permissions
	// (e.g. "--dangerously-skip-permissions").
	UnattendedFlag string `yaml:"unattended_flag,omitempty" json:"unattended_flag,omitempty"`
	AllowEdits     bool   `yaml:"allow_edits" json:"allow_edits"`

	// TimeoutSec bounds plan-mode invocations. Unattended runs are never
	// bounded.
	TimeoutSec int `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// Command returns the invocation verb, defaulting to the family name.
func (p AgentProfile) Command() string {
	if p.Verb != "" {
		return p.Verb
	}
	return string(p.Family)
}

// SupportsContinuation reports whether the profile declares a
// session-continuation flag.
func (p AgentProfile) SupportsContinuation() bool {
	return p.ContinueFlag != ""
}

// InternalFallback reports whether the agent falls back to its secondary
// model on its own. Claude receives the fallback on the command line;
// gemini needs a second invocation from the engine.
func (p AgentProfile) InternalFallback() bool {
	return p.Family == FamilyClaude
}
