package docpipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// LockManager is the advisory-lock surface the Stage Runner needs (C3). Implemented by
// AdvisoryLockManager against Postgres; tests substitute an in-memory fake since sqlite has no
// pg_try_advisory_lock.
type LockManager interface {
	TryAcquire(ctx context.Context, documentID uuid.UUID, stageName string) (*LockHandle, error)
	Release(ctx context.Context, handle *LockHandle) error
}

// StageRunner (C7) wraps a single stage invocation with: lock -> idempotency check -> retry
// orchestration -> completion marker -> alert/error bookkeeping. It never lets a stage's error
// escape as a Go error to the orchestrator, only as a StageResult.
type StageRunner struct {
	db    *gorm.DB
	locks LockManager
	idem  *IdempotencyChecker
	retry *RetryOrchestrator
	perf  PerfRecorder
	docs  docrepo.DocumentRepo
	log   *logger.Logger
}

// PerfRecorder is the narrow surface the runner needs from the Performance Collector,
// keeping this package free of an import cycle with docpipeline/perf.
type PerfRecorder interface {
	Record(correlationID, stageName string, durationMs int64, metadata map[string]any)
}

func NewStageRunner(db *gorm.DB, locks LockManager, idem *IdempotencyChecker, retry *RetryOrchestrator, perf PerfRecorder, docs docrepo.DocumentRepo, baseLog *logger.Logger) *StageRunner {
	return &StageRunner{db: db, locks: locks, idem: idem, retry: retry, perf: perf, docs: docs, log: baseLog.With("component", "StageRunner")}
}

// Run executes the runner state machine for one stage against one document: acquire the
// advisory lock, check the completion marker against the current input hash, mark in_progress,
// invoke through the Retry Orchestrator, then persist the terminal marker/status.
func (r *StageRunner) Run(ctx context.Context, stage Stage, pctx *ProcessingContext) StageResult {
	documentID, err := uuid.Parse(pctx.DocumentID)
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: invalid document_id: %w", err), CorrelationID: pctx.CorrelationID}
	}

	handle, err := r.locks.TryAcquire(ctx, documentID, stage.Name())
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: lock acquire: %w", err), CorrelationID: pctx.CorrelationID}
	}
	if handle == nil {
		return r.handleLockContention(ctx, pctx)
	}
	defer func() {
		if releaseErr := r.locks.Release(ctx, handle); releaseErr != nil && r.log != nil {
			r.log.Warn("advisory lock release failed", "document_id", pctx.DocumentID, "stage", stage.Name(), "error", releaseErr)
		}
	}()

	dbc := dbctx.Context{Ctx: ctx, Tx: r.db}
	if pctx.RetryAttempt == 0 && r.retry != nil && r.retry.errors != nil {
		// A scheduled async retry owns this stage until it fires or is cancelled; a fresh
		// dispatch stepping on it is the benign concurrent-retry skip, not a re-execution.
		open, openErr := r.retry.errors.GetOpenByDocumentStage(dbc, documentID, stage.Name())
		if openErr == nil && open != nil && open.Status == "retrying" {
			return StageResult{Outcome: OutcomeSkippedConcurrentRetry, ErrorID: open.ID, CorrelationID: pctx.CorrelationID}
		}
	}

	input, err := stage.CanonicalInput(pctx)
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: canonical_input: %w", err), CorrelationID: pctx.CorrelationID}
	}
	currentHash, err := r.idem.ComputeHash(input)
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: compute_hash: %w", err), CorrelationID: pctx.CorrelationID}
	}

	check, err := r.idem.Check(dbc, documentID, stage.Name())
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: idempotency check: %w", err), CorrelationID: pctx.CorrelationID}
	}
	if check.IsComplete {
		if check.StoredHash == currentHash {
			return StageResult{Outcome: OutcomeSkippedUnchanged, CorrelationID: pctx.CorrelationID, DataHash: currentHash}
		}
		if err := r.idem.Cleanup(dbc, stage, documentID); err != nil {
			return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: cleanup: %w", err), CorrelationID: pctx.CorrelationID}
		}
	}

	if err := r.docs.UpdateStageStatus(dbc, documentID, stage.Name(), "in_progress"); err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: set in_progress: %w", err), CorrelationID: pctx.CorrelationID}
	}

	started := time.Now()
	result := r.retry.RunWithRetry(ctx, pctx, stage.Name(), stage.Execute)
	durationMs := time.Since(started).Milliseconds()
	if r.perf != nil {
		r.perf.Record(string(pctx.CorrelationID), stage.Name(), durationMs, nil)
	}

	switch result.Outcome {
	case OutcomeCompleted:
		metadata := map[string]any{"retry_attempt": pctx.RetryAttempt}
		if err := r.idem.SetMarker(ctx, documentID, stage.Name(), currentHash, metadata); err != nil {
			return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("docpipeline: set_marker: %w", err), CorrelationID: result.CorrelationID}
		}
		result.DataHash = currentHash
	case OutcomeFailed:
		if errors.Is(result.Err, context.Canceled) {
			// Cancellation is not failure: leave room for later resumption.
			_ = r.docs.UpdateStageStatus(dbc, documentID, stage.Name(), "pending")
		} else {
			_ = r.docs.UpdateStageStatus(dbc, documentID, stage.Name(), "failed")
		}
	case OutcomeDeferredAsyncRetry:
		// Status stays in_progress; the fired retry task re-enters this same Run path and will
		// set completed/failed terminally. A recovery sweep reconciles stale in_progress entries
		// if the process dies before the scheduled retry fires (see sweep.go).
	}

	return result
}

// handleLockContention applies the first-attempt-vs-retry contention policy: contention on
// attempt 0 is an alert condition (another process should not hold this lock under normal
// operation), while contention on a retry attempt is a benign signal that another worker
// already owns the in-flight retry.
func (r *StageRunner) handleLockContention(ctx context.Context, pctx *ProcessingContext) StageResult {
	if pctx.RetryAttempt == 0 {
		if r.retry != nil && r.retry.alerts != nil {
			metadata := map[string]any{"document_id": pctx.DocumentID, "stage_name": pctx.StageName}
			_ = r.retry.alerts.Queue(ctx, "lock_contention", "medium",
				fmt.Sprintf("Unexpected lock contention on %s first attempt", pctx.StageName),
				"advisory lock already held on retry_attempt=0", metadata)
		}
		return StageResult{Outcome: OutcomeSkippedConcurrentFirst, CorrelationID: pctx.CorrelationID}
	}
	return StageResult{Outcome: OutcomeSkippedConcurrentRetry, CorrelationID: pctx.CorrelationID}
}
