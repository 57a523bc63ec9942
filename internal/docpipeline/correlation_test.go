package docpipeline

import (
	"strings"
	"testing"
)

func TestNewRequestCorrelationIDParses(t *testing.T) {
	id := NewRequestCorrelationID()
	if !strings.HasPrefix(string(id), "req_") {
		t.Fatalf("request correlation id %q missing req_ prefix", id)
	}
	parts, ok := Parse(id)
	if !ok {
		t.Fatalf("fresh request id %q failed to parse", id)
	}
	if parts.HasStage || parts.HasRetry {
		t.Fatalf("fresh request id %q parsed with stage/retry parts", id)
	}
}

func TestExtendStageAndRetry(t *testing.T) {
	req := NewRequestCorrelationID()

	stage := ExtendStage(req, "embedding", -1)
	if got, want := string(stage), string(req)+".stage_embedding"; got != want {
		t.Fatalf("stage id = %q, want %q", got, want)
	}

	retry := ExtendRetry(stage, 2)
	if got, want := string(retry), string(stage)+".retry_2"; got != want {
		t.Fatalf("retry id = %q, want %q", got, want)
	}

	// Re-extending an id that already carries a retry suffix replaces it.
	retry3 := ExtendRetry(retry, 3)
	if got, want := string(retry3), string(stage)+".retry_3"; got != want {
		t.Fatalf("re-extended retry id = %q, want %q", got, want)
	}

	parts, ok := Parse(retry3)
	if !ok || !parts.HasStage || !parts.HasRetry {
		t.Fatalf("retry id %q did not parse fully", retry3)
	}
	if parts.StageName != "embedding" || parts.RetryAttempt != 3 {
		t.Fatalf("parsed %+v, want stage embedding retry 3", parts)
	}
}

func TestCorrelationHierarchy(t *testing.T) {
	req := NewRequestCorrelationID()
	stage := ExtendStage(req, "upload", -1)
	retry := ExtendRetry(stage, 1)

	if !Less(req, stage) || !Less(stage, retry) || !Less(req, retry) {
		t.Fatalf("hierarchy violated: %q < %q < %q expected", req, stage, retry)
	}
	if Less(stage, req) || Less(retry, stage) {
		t.Fatalf("hierarchy inverted for %q / %q / %q", req, stage, retry)
	}

	other := NewRequestCorrelationID()
	if Less(req, ExtendStage(other, "upload", -1)) {
		t.Fatalf("ids from different requests must not compare")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"req_",
		"nope",
		"req_not-a-uuid.stage_upload",
		"req_6ba7b810-9dad-11d1-80b4-00c04fd430c8.retry_1",
	}
	for _, s := range bad {
		if _, ok := Parse(CorrelationID(s)); ok {
			t.Fatalf("malformed id %q parsed successfully", s)
		}
	}
}
