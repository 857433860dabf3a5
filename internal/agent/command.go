package agent

import (
	"fmt"
	"strings"
	"time"

	"promptpilot/internal/models"
	"promptpilot/internal/units"
)

// Mode selects the permission envelope of an invocation.
type Mode string

const (
	// ModePlan runs without mutation permissions, bounded by the profile
	// timeout, for human-reviewed refinement.
	ModePlan Mode = "plan"
	// ModeUnattended runs with full edit permissions (if the profile
	// allows) and no timeout ceiling, for batch execution.
	ModeUnattended Mode = "unattended"
)

// promptPlaceholder replaces the directive text in display strings so the
// full prompt never leaves the audit trail.
const promptPlaceholder = "[PROMPT_CONTENT]"

// Request carries everything needed to build one agent invocation.
type Request struct {
	Profile models.AgentProfile
	Text    string
	Unit    string
	Scope   models.Scope
	Mode    Mode

	// LiveUnits is the current detector output, recomputed by the caller
	// for every build. Continuation eligibility is decided against this
	// ordering; nil fails closed.
	LiveUnits []string

	// Model overrides the profile's primary model when set (fallback
	// retries substitute the fallback model here).
	Model string
}

// Invocation is a concrete agent command plus its redacted display form.
type Invocation struct {
	Argv    []string
	Display string
	Timeout time.Duration
}

// Build constructs the invocation for a request. It never executes
// anything; an unsupported agent family is the only error.
func Build(req Request) (*Invocation, error) {
	switch req.Profile.Family {
	case models.FamilyClaude:
		return buildClaude(req), nil
	case models.FamilyGemini:
		return buildGemini(req), nil
	default:
		return nil, fmt.Errorf("unsupported agent family: %q", req.Profile.Family)
	}
}

// shouldContinue applies the continuation-eligibility rule: per-unit
// scope, a unit supplied, profile support, unattended mode, and the unit
// found past the first position of the live ordering. Anything
// unresolvable fails closed so a fresh agent session is never mistaken
// for a continued one.
func shouldContinue(req Request) bool {
	if req.Mode != ModeUnattended {
		return false
	}
	if req.Scope != models.ScopePerUnit || req.Unit == "" {
		return false
	}
	if !req.Profile.SupportsContinuation() {
		return false
	}
	if len(req.LiveUnits) == 0 {
		return false
	}
	return units.Index(req.LiveUnits, req.Unit) > 0
}

func (req Request) model() string {
	if req.Model != "" {
		return req.Model
	}
	return req.Profile.Model
}

func (req Request) timeout() time.Duration {
	if req.Mode == ModePlan && req.Profile.TimeoutSec > 0 {
		return time.Duration(req.Profile.TimeoutSec) * time.Second
	}
	return 0
}

func buildClaude(req Request) *Invocation {
	p := req.Profile
	argv := []string{p.Command()}
	display := []string{p.Command()}

	if m := req.model(); m != "" {
		argv = append(argv, "--model", m)
		display = append(display, "--model", m)
	}
	if p.FallbackModel != "" {
		argv = append(argv, "--fallback-model", p.FallbackModel)
		display = append(display, "--fallback-model", p.FallbackModel)
	}
	if req.Mode == ModeUnattended {
		if p.AllowEdits && p.UnattendedFlag != "" {
			argv = append(argv, p.UnattendedFlag)
			display = append(display, p.UnattendedFlag)
		}
		if shouldContinue(req) {
			argv = append(argv, p.ContinueFlag)
			display = append(display, p.ContinueFlag)
		}
	}
	argv = append(argv, "-p", req.Text)
	display = append(display, "-p", fmt.Sprintf("%q", promptPlaceholder))

	return &Invocation{
		Argv:    argv,
		Display: strings.Join(display, " "),
		Timeout: req.timeout(),
	}
}

func buildGemini(req Request) *Invocation {
	p := req.Profile
	argv := []string{p.Command()}
	display := []string{p.Command()}

	if m := req.model(); m != "" {
		argv = append(argv, "-m", m)
		display = append(display, "-m", m)
	}
	if req.Mode == ModeUnattended {
		if p.AllowEdits && p.UnattendedFlag != "" {
			argv = append(argv, p.UnattendedFlag)
			display = append(display, p.UnattendedFlag)
		}
		if shouldContinue(req) {
			argv = append(argv, p.ContinueFlag)
			display = append(display, p.ContinueFlag)
		}
	}
	// Gemini always runs with -a.
	argv = append(argv, "-a", "-p", req.Text)
	display = append(display, "-a", "-p", fmt.Sprintf("%q", promptPlaceholder))

	return &Invocation{
		Argv:    argv,
		Display: strings.Join(display, " "),
		Timeout: req.timeout(),
	}
}
