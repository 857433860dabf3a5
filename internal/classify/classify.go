// Package classify interprets agent process output into a failure
// taxonomy. Agent CLIs routinely exit zero after printing an error, so
// classification reads the streams first and treats the exit code as a
// weak signal only.
package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"promptpilot/internal/models"
)

// Kind is the outcome category of one agent attempt.
type Kind string

const (
	Completed       Kind = "completed"
	RateLimited     Kind = "rate_limited"
	NetworkError    Kind = "network_error"
	ParseError      Kind = "parse_error"
	PermissionError Kind = "permission_error"
	TimedOut        Kind = "timed_out"
	UnknownFailure  Kind = "unknown_failure"
)

// Retryable reports whether the engine may re-attempt this outcome.
// Only pressure failures are worth retrying; permission and parse
// errors will fail the same way again.
func (k Kind) Retryable() bool {
	return k == RateLimited || k == TimedOut
}

// evidenceLimit bounds the excerpt kept alongside a classification.
const evidenceLimit = 100

// Verdict is a classification plus the text that produced it.
type Verdict struct {
	Kind     Kind
	Evidence string
}

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

// Family-specific patterns are consulted before the generic ones so a
// vendor's wording wins over a loose generic match.
var claudePatterns = []pattern{
	{RateLimited, regexp.MustCompile(`(?i)5[- ]hour limit( reached)?`)},
	{RateLimited, regexp.MustCompile(`(?i)rate limit|quota exceeded|too many requests`)},
	{RateLimited, regexp.MustCompile(`(?i)usage limit reached`)},
	{PermissionError, regexp.MustCompile(`(?i)invalid api key|not logged in|please run /login`)},
}

var geminiPatterns = []pattern{
	{RateLimited, regexp.MustCompile(`(?i)resource.?exhausted|429`)},
	{RateLimited, regexp.MustCompile(`(?i)rate limit|quota exceeded`)},
	{PermissionError, regexp.MustCompile(`(?i)api key not valid|permission_denied`)},
}

var genericPatterns = []pattern{
	{TimedOut, regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`)},
	{NetworkError, regexp.MustCompile(`(?i)connection (refused|reset|closed)|network (error|unreachable)|no such host|dns|ECONNREFUSED|ETIMEDOUT`)},
	{PermissionError, regexp.MustCompile(`(?i)permission denied|unauthorized|forbidden|authentication failed|401|403`)},
	{ParseError, regexp.MustCompile(`(?i)parse error|invalid json|unexpected token|malformed`)},
	{UnknownFailure, regexp.MustCompile(`(?i)^error:|\berror\b.*:|fatal:|panic:`)},
}

func familyPatterns(family models.AgentFamily) []pattern {
	switch family {
	case models.FamilyClaude:
		return claudePatterns
	case models.FamilyGemini:
		return geminiPatterns
	default:
		return nil
	}
}

// Classify reads the combined streams of one attempt and returns a
// verdict. timedOut is the transport-level deadline signal and always
// wins. A zero exit code with an error pattern in the streams is still
// a failure; a non-zero exit with no recognizable pattern is
// UnknownFailure.
func Classify(stdout, stderr string, exitCode int, timedOut bool, family models.AgentFamily) Verdict {
	if timedOut {
		return Verdict{Kind: TimedOut, Evidence: excerpt(stderr, stdout)}
	}

	// Stderr is the more honest channel; search it first.
	for _, text := range []string{stderr, stdout} {
		if text == "" {
			continue
		}
		for _, p := range familyPatterns(family) {
			if loc := p.re.FindStringIndex(text); loc != nil {
				return Verdict{Kind: p.kind, Evidence: around(text, loc)}
			}
		}
	}
	for _, text := range []string{stderr, stdout} {
		if text == "" {
			continue
		}
		for _, p := range genericPatterns {
			if loc := p.re.FindStringIndex(text); loc != nil {
				return Verdict{Kind: p.kind, Evidence: around(text, loc)}
			}
		}
	}

	if exitCode != 0 {
		return Verdict{Kind: UnknownFailure, Evidence: excerpt(stderr, stdout)}
	}
	return Verdict{Kind: Completed}
}

// around returns up to evidenceLimit bytes of context centered on a
// match, snapped to rune boundaries so multibyte output is never split.
func around(text string, loc []int) string {
	start := loc[0] - evidenceLimit/4
	if start < 0 {
		start = 0
	}
	start = nextRuneStart(text, start)
	end := start + evidenceLimit
	if end > len(text) {
		end = len(text)
	}
	end = prevRuneStart(text, end)
	if end < start {
		end = start
	}
	return strings.TrimSpace(text[start:end])
}

// excerpt returns the first non-empty stream's tail, bounded.
func excerpt(streams ...string) string {
	for _, s := range streams {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > evidenceLimit {
			s = s[nextRuneStart(s, len(s)-evidenceLimit):]
		}
		return s
	}
	return ""
}

// nextRuneStart advances i to the nearest rune boundary at or after it.
func nextRuneStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// prevRuneStart retreats i to the nearest rune boundary at or before it.
func prevRuneStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
