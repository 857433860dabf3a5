package classify

import (
	"strings"
	"testing"
	"unicode/utf8"

	"promptpilot/internal/models"
)

func TestCleanRunIsCompleted(t *testing.T) {
	v := Classify("", "", 0, false, models.FamilyClaude)
	if v.Kind != Completed {
		t.Errorf("Expected completed, got %s", v.Kind)
	}
	if v.Evidence != "" {
		t.Errorf("Completed should carry no evidence, got %q", v.Evidence)
	}
}

func TestZeroExitWithRateLimitMessage(t *testing.T) {
	v := Classify("work done", "5-hour limit reached", 0, false, models.FamilyClaude)
	if v.Kind != RateLimited {
		t.Errorf("Expected rate_limited, got %s", v.Kind)
	}
	if !strings.Contains(v.Evidence, "5-hour limit") {
		t.Errorf("Evidence missing the matched text: %q", v.Evidence)
	}
}

func TestZeroExitWithPermissionDenied(t *testing.T) {
	v := Classify("ok", "permission denied", 0, false, models.FamilyClaude)
	if v.Kind != PermissionError {
		t.Errorf("Expected permission_error, got %s", v.Kind)
	}
}

func TestTransportTimeoutWins(t *testing.T) {
	// Even with a rate-limit message in the stream, the transport's
	// deadline signal is authoritative.
	v := Classify("", "rate limit", 124, true, models.FamilyClaude)
	if v.Kind != TimedOut {
		t.Errorf("Expected timed_out, got %s", v.Kind)
	}
}

func TestFamilyPatternsBeforeGeneric(t *testing.T) {
	// "RESOURCE_EXHAUSTED ... error:" should classify as gemini rate
	// limiting, not fall through to the generic error pattern.
	v := Classify("", "error: RESOURCE_EXHAUSTED quota for model", 1, false, models.FamilyGemini)
	if v.Kind != RateLimited {
		t.Errorf("Expected rate_limited, got %s (%q)", v.Kind, v.Evidence)
	}
}

func TestGeminiPatternsDoNotApplyToClaude(t *testing.T) {
	v := Classify("", "RESOURCE_EXHAUSTED", 1, false, models.FamilyClaude)
	if v.Kind == RateLimited {
		t.Error("Claude attempt must not match gemini vendor wording")
	}
}

func TestNetworkError(t *testing.T) {
	v := Classify("", "dial tcp: connection refused", 1, false, models.FamilyClaude)
	if v.Kind != NetworkError {
		t.Errorf("Expected network_error, got %s", v.Kind)
	}
}

func TestParseError(t *testing.T) {
	v := Classify("invalid JSON in response", "", 1, false, models.FamilyGemini)
	if v.Kind != ParseError {
		t.Errorf("Expected parse_error, got %s", v.Kind)
	}
}

func TestNonZeroExitNoPattern(t *testing.T) {
	v := Classify("some benign output", "", 7, false, models.FamilyClaude)
	if v.Kind != UnknownFailure {
		t.Errorf("Expected unknown_failure, got %s", v.Kind)
	}
}

func TestStderrSearchedBeforeStdout(t *testing.T) {
	v := Classify("parse error in file", "rate limit exceeded", 1, false, models.FamilyClaude)
	if v.Kind != RateLimited {
		t.Errorf("Stderr match should win, got %s", v.Kind)
	}
}

func TestEvidenceBounded(t *testing.T) {
	long := strings.Repeat("x", 500) + " rate limit " + strings.Repeat("y", 500)
	v := Classify("", long, 1, false, models.FamilyClaude)
	if v.Kind != RateLimited {
		t.Fatalf("Expected rate_limited, got %s", v.Kind)
	}
	if len(v.Evidence) > evidenceLimit {
		t.Errorf("Evidence exceeds limit: %d chars", len(v.Evidence))
	}
	if !strings.Contains(v.Evidence, "rate limit") {
		t.Errorf("Evidence lost the match: %q", v.Evidence)
	}
}

func TestEvidenceKeepsRunesWhole(t *testing.T) {
	// Multibyte output on both sides of the excerpt window; the cut must
	// land on rune boundaries, not mid-sequence.
	long := strings.Repeat("日", 200) + "rate limit " + strings.Repeat("é", 200)
	v := Classify("", long, 1, false, models.FamilyClaude)
	if v.Kind != RateLimited {
		t.Fatalf("Expected rate_limited, got %s", v.Kind)
	}
	if !utf8.ValidString(v.Evidence) {
		t.Errorf("Evidence split a rune: %q", v.Evidence)
	}
	if !strings.Contains(v.Evidence, "rate limit") {
		t.Errorf("Evidence lost the match: %q", v.Evidence)
	}
	if len(v.Evidence) > evidenceLimit {
		t.Errorf("Evidence exceeds limit: %d bytes", len(v.Evidence))
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	// Non-zero exit with no pattern takes the stream tail; the leading
	// cut must also land on a rune boundary.
	v := Classify("", strings.Repeat("日", 200), 7, false, models.FamilyClaude)
	if v.Kind != UnknownFailure {
		t.Fatalf("Expected unknown_failure, got %s", v.Kind)
	}
	if v.Evidence == "" {
		t.Fatal("Expected a stream excerpt as evidence")
	}
	if !utf8.ValidString(v.Evidence) {
		t.Errorf("Excerpt split a rune: %q", v.Evidence)
	}
	if len(v.Evidence) > evidenceLimit {
		t.Errorf("Excerpt exceeds limit: %d bytes", len(v.Evidence))
	}
}

func TestRetryable(t *testing.T) {
	for k, want := range map[Kind]bool{
		Completed:       false,
		RateLimited:     true,
		TimedOut:        true,
		NetworkError:    false,
		ParseError:      false,
		PermissionError: false,
		UnknownFailure:  false,
	} {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", k, got, want)
		}
	}
}
