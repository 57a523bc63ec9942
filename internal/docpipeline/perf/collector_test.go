package perf

import (
	"testing"
	"time"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func TestFinalizeRequestAggregates(t *testing.T) {
	c := NewCollector(fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})
	req := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	c.Record("req_"+req+".stage_upload", "upload", 10, nil)
	c.Record("req_"+req+".stage_text_extraction", "text_extraction", 40, nil)
	c.Record("req_"+req+".stage_embedding", "embedding", 100, nil)
	c.Record("req_"+req+".stage_embedding.retry_1", "embedding", 120, nil)
	// A different request's records must not leak into this summary.
	c.Record("req_ffffffff-ffff-ffff-ffff-ffffffffffff.stage_upload", "upload", 999, nil)

	m := c.FinalizeRequest(req)
	if m.StageCount != 4 {
		t.Fatalf("stage count %d, want 4", m.StageCount)
	}
	if m.TotalDurationMs != 270 {
		t.Fatalf("total %d, want 270", m.TotalDurationMs)
	}
	if m.StageDurationsMs["embedding"] != 220 {
		t.Fatalf("embedding total %d, want 220 (initial + retry)", m.StageDurationsMs["embedding"])
	}
	if m.ExternalCalls != 2 || m.ExternalTimeMs != 220 {
		t.Fatalf("external aggregate %d/%d, want 2/220", m.ExternalCalls, m.ExternalTimeMs)
	}
}

func TestFinalizeRequestEmpty(t *testing.T) {
	c := NewCollector(nil)
	m := c.FinalizeRequest("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if m.StageCount != 0 || m.TotalDurationMs != 0 {
		t.Fatalf("empty collector produced %+v", m)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector(nil)
	req := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	c.Record("req_"+req+".stage_upload", "upload", 5, nil)
	c.Reset()
	if m := c.FinalizeRequest(req); m.StageCount != 0 {
		t.Fatalf("records survived reset: %+v", m)
	}
}
