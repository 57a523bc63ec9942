// Package perf implements the Performance Collector (C10): per-stage and per-request timing
// capture, summarized into baselines for regression comparison across code revisions.
package perf

import (
	"sync"
	"time"
)

// Clock is a narrow time source so tests can control "now" without sleeping, independent of
// docpipeline.TimeSource to avoid a cross-package dependency on the orchestration core.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Record is one timing sample captured by Collector.Record, scoped to a single correlation ID.
type Record struct {
	CorrelationID string
	StageName     string
	DurationMs    int64
	Metadata      map[string]any
	RecordedAt    time.Time
}

// Collector accumulates timing records in memory for the lifetime of a process, in one list
// that FinalizeRequest filters by request prefix to summarize every record belonging to one request
// without a relational round trip on the hot path (spec §4.10: "appends an in-memory timing").
type Collector struct {
	mu      sync.Mutex
	records []Record
	clock   Clock
}

func NewCollector(clock Clock) *Collector {
	if clock == nil {
		clock = systemClock{}
	}
	return &Collector{clock: clock}
}

// Record appends an in-memory timing sample. Satisfies docpipeline.PerfRecorder (structurally,
// via the method it requires) so the Stage Runner can depend on this package through that
// narrow interface without perf importing docpipeline.
func (c *Collector) Record(correlationID, stageName string, durationMs int64, metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Record{
		CorrelationID: correlationID,
		StageName:     stageName,
		DurationMs:    durationMs,
		Metadata:      metadata,
		RecordedAt:    c.clock.Now(),
	})
}

// RequestMetrics is the summary FinalizeRequest produces: per-stage totals, the per-request
// total, and the subset of records whose stage name indicates an external-service call.
type RequestMetrics struct {
	RequestID        string
	StageDurationsMs map[string]int64
	TotalDurationMs  int64
	StageCount       int
	ExternalCalls    int
	ExternalTimeMs   int64
}

// externalStageKinds marks which of the 15 named stages make an external-service call whose
// latency FinalizeRequest should roll up separately (spec §3 PerformanceBaseline.metrics:
// "external-API counts/times").
var externalStageKinds = map[string]bool{
	"embedding":           true,
	"visual_embedding":    true,
	"classification":      true,
	"metadata_extraction": true,
	"parts_extraction":    true,
	"series_detection":    true,
}

// FinalizeRequest summarizes every record whose correlation ID carries the given request
// prefix (req_<uuid>) into per-stage totals, a per-request total, and external-service timing
// aggregates (spec §4.10).
func (c *Collector) FinalizeRequest(requestID string) RequestMetrics {
	prefix := "req_" + requestID
	c.mu.Lock()
	defer c.mu.Unlock()

	out := RequestMetrics{RequestID: requestID, StageDurationsMs: map[string]int64{}}
	for _, r := range c.records {
		if !hasPrefix(r.CorrelationID, prefix) {
			continue
		}
		out.StageDurationsMs[r.StageName] += r.DurationMs
		out.TotalDurationMs += r.DurationMs
		out.StageCount++
		if externalStageKinds[r.StageName] {
			out.ExternalCalls++
			out.ExternalTimeMs += r.DurationMs
		}
	}
	return out
}

// Reset discards every recorded sample; used by tests and by long-running processes that want
// to bound memory by periodically finalizing and clearing.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
}

func hasPrefix(correlationID, prefix string) bool {
	if len(correlationID) < len(prefix) {
		return false
	}
	return correlationID[:len(prefix)] == prefix
}
