package docpipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

// StageResult is the outcome of a single stage invocation, threaded back up through the Retry
// Orchestrator and Stage Runner to the Pipeline Orchestrator's aggregated result map.
type StageResult struct {
	Outcome       StageOutcome
	Output        map[string]any
	Err           error
	ErrorID       uuid.UUID
	NextRetryAt   *time.Time
	CorrelationID CorrelationID

	// DataHash is the canonical-input hash the Stage Runner computed for this invocation, set
	// on completed and skipped_unchanged outcomes so the orchestrator can chain it into
	// dependents' declared inputs.
	DataHash string
}

// RetryOrchestrator (C6) classifies failures, applies retry policy, performs exactly one
// synchronous retry, then schedules further retries as background tasks with exponential
// backoff. The backoff formula itself is teacher's own computeBackoff (exponential with a
// cap), not a third-party backoff library: see DESIGN.md for why.
type RetryOrchestrator struct {
	db        *gorm.DB
	errors    docrepo.PipelineErrorRepo
	alerts    AlertQueuer
	policies  *PolicyCache
	scheduler BackgroundTaskScheduler
	clock     TimeSource
}

// AlertQueuer is the minimal surface the Retry Orchestrator needs from the Alert Service,
// kept narrow so this package doesn't import docpipeline/alert and create a cycle.
type AlertQueuer interface {
	Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any) error
}

func NewRetryOrchestrator(db *gorm.DB, errors docrepo.PipelineErrorRepo, alerts AlertQueuer, policies *PolicyCache, scheduler BackgroundTaskScheduler, clock TimeSource) *RetryOrchestrator {
	if clock == nil {
		clock = SystemTime
	}
	return &RetryOrchestrator{db: db, errors: errors, alerts: alerts, policies: policies, scheduler: scheduler, clock: clock}
}

// StageCallable is a stage invocation already bound to its ProcessingContext and the Stage
// Registry's Execute call; RunWithRetry never reaches into the registry itself.
type StageCallable func(ctx context.Context, pctx *ProcessingContext) (map[string]any, error)

// RunWithRetry implements the hybrid retry protocol: invoke once under the policy timeout,
// classify on failure, record the PipelineError on first transient failure, retry once
// synchronously, then hand everything after to the background scheduler. The PipelineError row
// is created on first failure and updated on each subsequent attempt, never duplicated.
func (r *RetryOrchestrator) RunWithRetry(ctx context.Context, pctx *ProcessingContext, serviceName string, call StageCallable) StageResult {
	policy := r.policies.Resolve(serviceName, pctx.StageName)

	output, err := r.invoke(ctx, pctx, policy, call)
	if err == nil {
		if pctx.RetryAttempt > 0 {
			// An async retry re-entered this path and succeeded: resolve the open row.
			if resolveErr := r.resolveOpen(ctx, pctx, pctx.RetryAttempt); resolveErr != nil {
				return StageResult{Outcome: OutcomeFailed, Err: resolveErr, CorrelationID: pctx.CorrelationID}
			}
		}
		return StageResult{Outcome: OutcomeCompleted, Output: output, CorrelationID: pctx.CorrelationID}
	}

	if ctx.Err() == context.Canceled {
		return StageResult{Outcome: OutcomeFailed, Err: ctx.Err(), CorrelationID: pctx.CorrelationID}
	}

	if Classify(err) == ErrorClassPermanent {
		return r.failTerminally(ctx, pctx, err, ErrorClassPermanent)
	}

	if pctx.RetryAttempt == 0 {
		if _, recErr := r.upsertOpenError(ctx, pctx, ErrorClassTransient, err, map[string]interface{}{
			"status":      "pending",
			"retry_count": 0,
		}); recErr != nil {
			return StageResult{Outcome: OutcomeFailed, Err: recErr, CorrelationID: pctx.CorrelationID}
		}

		delay := time.Duration(policy.InitialDelayMs) * time.Millisecond
		select {
		case <-ctx.Done():
			return StageResult{Outcome: OutcomeFailed, Err: ctx.Err(), CorrelationID: pctx.CorrelationID}
		case <-time.After(delay):
		}

		retryCtx := *pctx
		retryCtx.RetryAttempt = 1
		retryCtx.CorrelationID = ExtendRetry(pctx.CorrelationID, 1)

		output, err = r.invoke(ctx, &retryCtx, policy, call)
		if err == nil {
			if resolveErr := r.resolveOpen(ctx, &retryCtx, 1); resolveErr != nil {
				return StageResult{Outcome: OutcomeFailed, Err: resolveErr, CorrelationID: retryCtx.CorrelationID}
			}
			return StageResult{Outcome: OutcomeCompleted, Output: output, CorrelationID: retryCtx.CorrelationID}
		}
		if Classify(err) == ErrorClassPermanent {
			return r.failTerminally(ctx, &retryCtx, err, ErrorClassPermanent)
		}
		pctx = &retryCtx
	}

	if pctx.RetryAttempt >= policy.MaxRetries {
		return r.failTerminally(ctx, pctx, err, ErrorClassTransient)
	}

	return r.scheduleAsyncRetry(ctx, pctx, err, policy)
}

// invoke runs the stage body under the policy's per-invocation timeout (spec §5: "every stage
// invocation carries a timeout derived from RetryPolicy.timeout_ms"); a deadline hit surfaces
// as context.DeadlineExceeded, which the classifier treats as transient.
func (r *RetryOrchestrator) invoke(ctx context.Context, pctx *ProcessingContext, policy RetryPolicy, call StageCallable) (map[string]any, error) {
	if policy.TimeoutMs <= 0 {
		return call(ctx, pctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.TimeoutMs)*time.Millisecond)
	defer cancel()
	return call(timeoutCtx, pctx)
}

// failTerminally records the terminal failed state on the open PipelineError row (creating one
// if this is the first failure), queues the high-severity alert, and surfaces the failure.
func (r *RetryOrchestrator) failTerminally(ctx context.Context, pctx *ProcessingContext, cause error, class ErrorClass) StageResult {
	row, err := r.upsertOpenError(ctx, pctx, class, cause, map[string]interface{}{
		"status":      "failed",
		"retry_count": pctx.RetryAttempt,
	})
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("record pipeline error: %w", err), CorrelationID: pctx.CorrelationID}
	}
	r.queueFailureAlert(ctx, pctx, cause)
	return StageResult{Outcome: OutcomeFailed, Err: cause, ErrorID: row.ID, CorrelationID: pctx.CorrelationID}
}

func (r *RetryOrchestrator) scheduleAsyncRetry(ctx context.Context, pctx *ProcessingContext, cause error, policy RetryPolicy) StageResult {
	nextAttempt := pctx.RetryAttempt + 1
	delay := computeBackoff(policy, nextAttempt)
	nextRetryAt := r.clock.Now().Add(delay)

	row, err := r.upsertOpenError(ctx, pctx, ErrorClassTransient, cause, map[string]interface{}{
		"status":        "retrying",
		"retry_count":   pctx.RetryAttempt,
		"next_retry_at": nextRetryAt,
	})
	if err != nil {
		return StageResult{Outcome: OutcomeFailed, Err: fmt.Errorf("record pipeline error: %w", err), CorrelationID: pctx.CorrelationID}
	}

	docID, _ := uuid.Parse(pctx.DocumentID)
	if r.scheduler != nil {
		handle, schedErr := r.scheduler.ScheduleRetry(ctx, row.ID, docID, pctx.StageName, nextRetryAt)
		if schedErr == nil && handle != "" {
			dbc := dbctx.Context{Ctx: ctx, Tx: r.db}
			_ = r.errors.UpdateFields(dbc, row.ID, map[string]interface{}{"retry_workflow_id": handle})
		}
	}

	return StageResult{
		Outcome:       OutcomeDeferredAsyncRetry,
		Err:           cause,
		ErrorID:       row.ID,
		NextRetryAt:   &nextRetryAt,
		CorrelationID: pctx.CorrelationID,
	}
}

// upsertOpenError applies updates to the open (pending/retrying) PipelineError for this
// (document, stage), creating the row first when none exists. Keeps one row per failure
// episode: created on first failure, updated on every later attempt.
func (r *RetryOrchestrator) upsertOpenError(ctx context.Context, pctx *ProcessingContext, class ErrorClass, cause error, updates map[string]interface{}) (*types.PipelineError, error) {
	docID, err := uuid.Parse(pctx.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("invalid document_id: %w", err)
	}
	dbc := dbctx.Context{Ctx: ctx, Tx: r.db}

	updates["error_type"] = string(class)
	updates["error_message"] = cause.Error()
	updates["correlation_id"] = string(pctx.CorrelationID)

	open, err := r.errors.GetOpenByDocumentStage(dbc, docID, pctx.StageName)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if err := r.errors.UpdateFields(dbc, open.ID, updates); err != nil {
			return nil, err
		}
		return r.errors.GetByID(dbc, open.ID)
	}

	pe := &types.PipelineError{
		DocumentID:    docID,
		StageName:     pctx.StageName,
		ErrorType:     string(class),
		ErrorMessage:  cause.Error(),
		RetryCount:    pctx.RetryAttempt,
		Status:        "pending",
		CorrelationID: string(pctx.CorrelationID),
	}
	created, err := r.errors.Create(dbc, pe)
	if err != nil {
		return nil, err
	}
	if err := r.errors.UpdateFields(dbc, created.ID, updates); err != nil {
		return nil, err
	}
	return r.errors.GetByID(dbc, created.ID)
}

// resolveOpen marks the open PipelineError row for this (document, stage) resolved after a
// retry (sync or async) succeeded.
func (r *RetryOrchestrator) resolveOpen(ctx context.Context, pctx *ProcessingContext, retryCount int) error {
	docID, err := uuid.Parse(pctx.DocumentID)
	if err != nil {
		return nil
	}
	dbc := dbctx.Context{Ctx: ctx, Tx: r.db}
	open, err := r.errors.GetOpenByDocumentStage(dbc, docID, pctx.StageName)
	if err != nil {
		return err
	}
	if open == nil {
		return nil
	}
	return r.errors.UpdateFields(dbc, open.ID, map[string]interface{}{
		"status":         "resolved",
		"retry_count":    retryCount,
		"correlation_id": string(pctx.CorrelationID),
	})
}

func (r *RetryOrchestrator) queueFailureAlert(ctx context.Context, pctx *ProcessingContext, cause error) {
	if r.alerts == nil {
		return
	}
	metadata := map[string]any{
		"document_id":    pctx.DocumentID,
		"stage_name":     pctx.StageName,
		"correlation_id": string(pctx.CorrelationID),
	}
	_ = r.alerts.Queue(ctx, "stage_failed", "high",
		fmt.Sprintf("Stage %s failed", pctx.StageName),
		cause.Error(), metadata)
}

// computeBackoff mirrors teacher's jobs/orchestrator.computeBackoff formula: exponential
// growth capped at MaxDelayMs. No jitter fraction is configured on RetryPolicy rows, so this
// omits the +/- jitter spread teacher's version adds for job scheduling fairness; the
// pipeline's async retries are per-(document,stage) exclusive via advisory lock, so
// thundering-herd jitter isn't load-bearing here.
func computeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := time.Duration(policy.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * multiplier)
		if maxDelay > 0 && d > maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
