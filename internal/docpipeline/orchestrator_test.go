package docpipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

func TestFullModeHappyPath(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	results, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}

	if len(results) != len(StageNames) {
		t.Fatalf("result map has %d stages, want %d", len(results), len(StageNames))
	}
	for name, result := range results {
		if result.Outcome != OutcomeCompleted {
			t.Fatalf("stage %s outcome %s, want completed", name, result.Outcome)
		}
	}
	if rate := results.SuccessRate(); rate != 1.0 {
		t.Fatalf("success rate %v, want 1.0", rate)
	}
	if got := env.markers.count(); got != len(StageNames) {
		t.Fatalf("%d completion markers, want %d", got, len(StageNames))
	}
	if got := env.perf.count(); got != len(StageNames) {
		t.Fatalf("%d perf records, want %d", got, len(StageNames))
	}
	for _, cid := range env.perf.records {
		if !strings.HasPrefix(cid, "req_") || !strings.Contains(cid, ".stage_") {
			t.Fatalf("perf record correlation id %q not stage-scoped", cid)
		}
	}
	if !env.locks.balanced() {
		t.Fatalf("lock acquire/release imbalance: %d acquired, %d released", env.locks.acquired, env.locks.released)
	}

	statuses, err := env.orch.Status(context.Background(), docID.String())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, name := range StageNames {
		if statuses[name] != "completed" {
			t.Fatalf("stage %s status %q, want completed", name, statuses[name])
		}
	}
}

func TestSmartReplayNoChange(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{}); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	before := env.totalExecutions()

	results, err := env.orch.Run(context.Background(), docID.String(), ModeSmart, nil, RunOptions{})
	if err != nil {
		t.Fatalf("smart replay: %v", err)
	}
	for name, result := range results {
		if result.Outcome != OutcomeSkippedUnchanged {
			t.Fatalf("stage %s outcome %s on unchanged replay, want skipped_unchanged", name, result.Outcome)
		}
	}
	if after := env.totalExecutions(); after != before {
		t.Fatalf("replay executed %d stages, want zero", after-before)
	}
}

func TestSmartReplayChangedInputCascades(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{}); err != nil {
		t.Fatalf("initial run: %v", err)
	}

	oldHashes := map[string]string{}
	for _, m := range env.markers.markers {
		oldHashes[m.StageName] = m.DataHash
	}

	env.setStageInput("text_extraction", "ABCD")

	results, err := env.orch.Run(context.Background(), docID.String(), ModeSmart, nil, RunOptions{})
	if err != nil {
		t.Fatalf("smart rerun: %v", err)
	}

	reexecuted := append([]string{"text_extraction"}, TransitiveDependents("text_extraction")...)
	sort.Strings(reexecuted)
	isReexecuted := map[string]bool{}
	for _, name := range reexecuted {
		isReexecuted[name] = true
	}

	for name, result := range results {
		want := OutcomeSkippedUnchanged
		if isReexecuted[name] {
			want = OutcomeCompleted
		}
		if result.Outcome != want {
			t.Fatalf("stage %s outcome %s, want %s", name, result.Outcome, want)
		}
	}

	for _, m := range env.markers.markers {
		if isReexecuted[m.StageName] {
			if m.DataHash == oldHashes[m.StageName] {
				t.Fatalf("re-executed stage %s kept its old data hash", m.StageName)
			}
		} else {
			if m.DataHash != oldHashes[m.StageName] {
				t.Fatalf("unchanged stage %s hash moved", m.StageName)
			}
		}
	}
}

func TestTransientFailureRecoversWithSyncRetry(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	env.failStageWith("embedding", failNTimes(1, &statusErr{status: 503}))

	results, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}

	result := results["embedding"]
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("embedding outcome %s, want completed", result.Outcome)
	}
	if !strings.HasSuffix(string(result.CorrelationID), ".retry_1") {
		t.Fatalf("embedding correlation id %q, want .retry_1 suffix", result.CorrelationID)
	}
	if got := env.executionCount("embedding"); got != 2 {
		t.Fatalf("embedding executed %d times, want 2 (initial + sync retry)", got)
	}

	rows := env.errors.all()
	if len(rows) != 1 {
		t.Fatalf("%d pipeline error rows, want 1", len(rows))
	}
	if rows[0].Status != "resolved" || rows[0].RetryCount != 1 {
		t.Fatalf("pipeline error status=%s retry_count=%d, want resolved/1", rows[0].Status, rows[0].RetryCount)
	}
	if !strings.HasSuffix(rows[0].CorrelationID, ".retry_1") {
		t.Fatalf("pipeline error correlation %q, want .retry_1 suffix", rows[0].CorrelationID)
	}
}

func TestPermanentFailureCascade(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	env.failStageWith("classification", func() error {
		return errors.New("validation failed: chunk manifest malformed")
	})

	results, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}

	if results["classification"].Outcome != OutcomeFailed {
		t.Fatalf("classification outcome %s, want failed", results["classification"].Outcome)
	}
	for _, dependent := range []string{"parts_extraction", "series_detection", "embedding", "search_indexing"} {
		if results[dependent].Outcome != OutcomeSkippedPrerequisiteFailed {
			t.Fatalf("dependent %s outcome %s, want skipped_prerequisite_failed", dependent, results[dependent].Outcome)
		}
	}
	for _, unaffected := range []string{"upload", "text_extraction", "table_extraction", "svg_processing", "image_processing", "link_extraction", "chunk_prep", "metadata_extraction", "visual_embedding", "storage"} {
		if results[unaffected].Outcome != OutcomeCompleted {
			t.Fatalf("independent stage %s outcome %s, want completed", unaffected, results[unaffected].Outcome)
		}
	}
	if got := env.executionCount("classification"); got != 1 {
		t.Fatalf("permanent failure executed %d times, want 1 (no retry)", got)
	}

	alerts := env.alerts.byType("stage_failed")
	if len(alerts) != 1 {
		t.Fatalf("%d stage_failed alerts, want 1", len(alerts))
	}
	if alerts[0].Severity != "high" {
		t.Fatalf("alert severity %s, want high", alerts[0].Severity)
	}
}

func TestTransientExhaustionSchedulesAsyncRetry(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	env.failStageWith("image_processing", func() error { return &statusErr{status: 503} })

	results, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}

	result := results["image_processing"]
	if result.Outcome != OutcomeDeferredAsyncRetry {
		t.Fatalf("image_processing outcome %s, want deferred_async_retry", result.Outcome)
	}
	if result.NextRetryAt == nil {
		t.Fatalf("deferred result carries no next_retry_at")
	}
	for _, dependent := range []string{"visual_embedding", "storage"} {
		if results[dependent].Outcome != OutcomeDeferred {
			t.Fatalf("dependent %s outcome %s, want deferred", dependent, results[dependent].Outcome)
		}
	}

	if len(env.sched.calls) != 1 {
		t.Fatalf("%d scheduled retries, want 1", len(env.sched.calls))
	}
	if env.sched.calls[0].StageName != "image_processing" {
		t.Fatalf("scheduled retry for %s, want image_processing", env.sched.calls[0].StageName)
	}

	rows := env.errors.all()
	if len(rows) != 1 {
		t.Fatalf("%d pipeline error rows, want 1", len(rows))
	}
	if rows[0].Status != "retrying" || rows[0].NextRetryAt == nil {
		t.Fatalf("pipeline error status=%s next_retry_at=%v, want retrying with deadline", rows[0].Status, rows[0].NextRetryAt)
	}
	if rows[0].RetryWorkflowID == "" {
		t.Fatalf("pipeline error missing retry workflow handle")
	}
}

func TestConcurrentRetrySkip(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	// First pass leaves image_processing mid-async-retry.
	env.failStageWith("image_processing", failNTimes(2, &statusErr{status: 503}))
	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	execsAfterFirst := env.executionCount("image_processing")

	// A second smart run dispatches image_processing before the scheduled retry fires.
	results, err := env.orch.Run(context.Background(), docID.String(), ModeSmart, nil, RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if results["image_processing"].Outcome != OutcomeSkippedConcurrentRetry {
		t.Fatalf("second dispatch outcome %s, want skipped_concurrent_retry", results["image_processing"].Outcome)
	}
	if got := env.executionCount("image_processing"); got != execsAfterFirst {
		t.Fatalf("second dispatch executed the stage (%d -> %d executions)", execsAfterFirst, got)
	}

	// The scheduled retry eventually fires and completes the stage.
	outcome, err := env.orch.RunScheduledRetry(context.Background(), docID, "image_processing")
	if err != nil {
		t.Fatalf("scheduled retry: %v", err)
	}
	if outcome != string(OutcomeCompleted) {
		t.Fatalf("scheduled retry outcome %s, want completed", outcome)
	}

	open, err := env.errors.GetOpenByDocumentStage(dbctx.Context{Ctx: context.Background()}, docID, "image_processing")
	if err != nil {
		t.Fatalf("get open error: %v", err)
	}
	if open != nil {
		t.Fatalf("error row still open after successful scheduled retry: %+v", open)
	}

	statuses, _ := env.docs.GetStageStatuses(dbctx.Context{}, docID)
	if statuses["image_processing"] != "completed" {
		t.Fatalf("stage status %q after scheduled retry, want completed", statuses["image_processing"])
	}
}

func TestLockContentionFirstAttempt(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	env.locks.deny(docID, "text_extraction")

	results, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}
	if results["text_extraction"].Outcome != OutcomeSkippedConcurrentFirst {
		t.Fatalf("contended stage outcome %s, want skipped_concurrent_first_attempt", results["text_extraction"].Outcome)
	}
	if alerts := env.alerts.byType("lock_contention"); len(alerts) != 1 {
		t.Fatalf("%d lock_contention alerts, want exactly 1", len(alerts))
	}
}

func TestSingleModeRequiresPrerequisites(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	_, err := env.orch.Run(context.Background(), docID.String(), ModeSingle, []string{"embedding"}, RunOptions{})
	var notMet *ErrPrerequisitesNotMet
	if !errors.As(err, &notMet) {
		t.Fatalf("single mode on cold document returned %v, want ErrPrerequisitesNotMet", err)
	}

	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{}); err != nil {
		t.Fatalf("full run: %v", err)
	}
	results, err := env.orch.Run(context.Background(), docID.String(), ModeSingle, []string{"embedding"}, RunOptions{})
	if err != nil {
		t.Fatalf("single mode after full run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("single mode dispatched %d stages, want 1", len(results))
	}
	if results["embedding"].Outcome != OutcomeSkippedUnchanged {
		t.Fatalf("single-mode embedding outcome %s, want skipped_unchanged", results["embedding"].Outcome)
	}
}

func TestMultipleModeStopOnErrorIsolation(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{}); err != nil {
		t.Fatalf("full run: %v", err)
	}

	// Force two extraction stages to re-run, one of them failing permanently.
	env.setStageInput("table_extraction", "v2")
	env.setStageInput("svg_processing", "v2")
	env.failStageWith("table_extraction", func() error { return errors.New("validation failed: bad layout") })

	results, err := env.orch.Run(context.Background(), docID.String(), ModeMultiple,
		[]string{"table_extraction", "svg_processing"}, RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("multiple mode: %v", err)
	}
	if results["table_extraction"].Outcome != OutcomeFailed {
		t.Fatalf("table_extraction outcome %s, want failed", results["table_extraction"].Outcome)
	}
	if results["svg_processing"].Outcome != OutcomeCompleted {
		t.Fatalf("svg_processing outcome %s, want completed despite sibling failure", results["svg_processing"].Outcome)
	}
}

func TestMultipleModeRequiresExternalPrerequisites(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	// chunk_prep's prerequisite (text_extraction) is neither in the named set nor completed
	// on a cold document: the dispatch must be refused, not silently dropped.
	_, err := env.orch.Run(context.Background(), docID.String(), ModeMultiple,
		[]string{"chunk_prep", "classification"}, RunOptions{})
	var notMet *ErrPrerequisitesNotMet
	if !errors.As(err, &notMet) {
		t.Fatalf("multiple mode with unmet external prerequisite returned %v, want ErrPrerequisitesNotMet", err)
	}
	if notMet.StageName != "chunk_prep" {
		t.Fatalf("prerequisites_not_met names %q, want chunk_prep", notMet.StageName)
	}

	// A prerequisite inside the named set is fine: dispatch order covers it.
	results, err := env.orch.Run(context.Background(), docID.String(), ModeMultiple,
		[]string{"upload", "text_extraction", "chunk_prep"}, RunOptions{})
	if err != nil {
		t.Fatalf("multiple mode with in-set prerequisites: %v", err)
	}
	for _, name := range []string{"upload", "text_extraction", "chunk_prep"} {
		if results[name].Outcome != OutcomeCompleted {
			t.Fatalf("stage %s outcome %s, want completed", name, results[name].Outcome)
		}
	}
}

func TestRunBatch(t *testing.T) {
	env := newTestEnv(t)
	doc1 := env.newDocument()
	doc2 := env.newDocument()

	results, summary, err := env.orch.RunBatch(context.Background(),
		[]string{doc1.String(), doc2.String()}, ModeFull, nil, RunOptions{})
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 2 || summary.Failed != 0 {
		t.Fatalf("batch summary %+v, want 2 total / 2 succeeded", summary)
	}
	for docID, m := range results {
		if len(m) != len(StageNames) {
			t.Fatalf("document %s has %d stage results, want %d", docID, len(m), len(StageNames))
		}
	}
}

func TestCancelRetry(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	env.failStageWith("image_processing", func() error { return &statusErr{status: 503} })

	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true}); err != nil {
		t.Fatalf("run full: %v", err)
	}
	rows := env.errors.all()
	if len(rows) != 1 {
		t.Fatalf("%d error rows, want 1", len(rows))
	}

	if err := env.orch.CancelRetry(context.Background(), rows[0].ID); err != nil {
		t.Fatalf("cancel retry: %v", err)
	}
	cancelled, _ := env.errors.GetByID(dbctx.Context{Ctx: context.Background()}, rows[0].ID)
	if cancelled.Status != "failed" || cancelled.ResolutionNotes != "cancelled" {
		t.Fatalf("cancelled error status=%s notes=%q, want failed/cancelled", cancelled.Status, cancelled.ResolutionNotes)
	}
}

func TestMarkerMatchesStatusInvariant(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()
	env.failStageWith("classification", func() error { return errors.New("validation failed") })

	if _, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true}); err != nil {
		t.Fatalf("run full: %v", err)
	}

	statuses, _ := env.docs.GetStageStatuses(dbctx.Context{}, docID)
	for _, name := range StageNames {
		marker, _ := env.markers.Get(dbctx.Context{}, docID, name)
		hasMarker := marker != nil
		isCompleted := statuses[name] == "completed"
		if hasMarker != isCompleted {
			t.Fatalf("stage %s: marker=%v status=%q violates marker-iff-completed", name, hasMarker, statuses[name])
		}
	}
}
