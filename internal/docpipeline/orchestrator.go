package docpipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// ExecutionMode is one of the five dispatch strategies the Pipeline Orchestrator supports.
type ExecutionMode string

const (
	ModeFull     ExecutionMode = "full"
	ModeSmart    ExecutionMode = "smart"
	ModeSingle   ExecutionMode = "single"
	ModeMultiple ExecutionMode = "multiple"
	ModeBatch    ExecutionMode = "batch"
)

// ErrPrerequisitesNotMet is returned by single/multiple mode when a named stage's
// prerequisite hasn't already completed outside the dispatched set.
type ErrPrerequisitesNotMet struct {
	StageName string
}

func (e *ErrPrerequisitesNotMet) Error() string {
	return fmt.Sprintf("docpipeline: prerequisites_not_met for stage %q", e.StageName)
}

// RunOptions carries per-request dispatch knobs beyond mode and stage selection.
type RunOptions struct {
	// ContinueOnError, when true, isolates a stage failure to the offending stage instead of
	// halting further dispatch. The zero value (false) keeps stop_on_error semantics without
	// callers having to set anything explicitly.
	ContinueOnError bool
}

// StageResultMap is the per-request aggregated outcome, keyed by stage name.
type StageResultMap map[string]StageResult

// SuccessRate computes successful/attempted: a stage counts as attempted once it has any
// entry in the map, and as successful when its outcome is completed or skipped_unchanged.
func (m StageResultMap) SuccessRate() float64 {
	if len(m) == 0 {
		return 0
	}
	var succeeded int
	for _, result := range m {
		if result.Outcome == OutcomeCompleted || result.Outcome == OutcomeSkippedUnchanged {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(m))
}

// BatchSummary aggregates RunBatch's per-document results across an entire batch dispatch.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Deferred  int
}

// Orchestrator (C9) is the top-level entry point: it consults the Dependency Graph (C8) and
// the Stage Registry (C11), then delegates each stage invocation to the Stage Runner (C7),
// aggregating the per-request result map. Grounded on teacher's jobs/orchestrator.Engine: a
// plain struct with documented default fields, no package-level singleton state.
type Orchestrator struct {
	db        *gorm.DB
	registry  *Registry
	runner    *StageRunner
	idem      *IdempotencyChecker
	docs      docrepo.DocumentRepo
	markers   docrepo.CompletionMarkerRepo
	errors    docrepo.PipelineErrorRepo
	scheduler BackgroundTaskScheduler
	log       *logger.Logger

	// MaxStagesParallelPerRequest bounds how many sibling stages within one document's DAG
	// pass may run concurrently (design choice: 4).
	MaxStagesParallelPerRequest int
	// MaxDocumentsParallel bounds RunBatch's outer document-level parallelism (design choice:
	// 2).
	MaxDocumentsParallel int
}

func NewOrchestrator(
	db *gorm.DB,
	registry *Registry,
	runner *StageRunner,
	idem *IdempotencyChecker,
	docs docrepo.DocumentRepo,
	markers docrepo.CompletionMarkerRepo,
	errors docrepo.PipelineErrorRepo,
	scheduler BackgroundTaskScheduler,
	baseLog *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:                          db,
		registry:                    registry,
		runner:                      runner,
		idem:                        idem,
		docs:                        docs,
		markers:                     markers,
		errors:                      errors,
		scheduler:                   scheduler,
		log:                         baseLog.With("component", "Orchestrator"),
		MaxStagesParallelPerRequest: 4,
		MaxDocumentsParallel:        2,
	}
}

// runState is the per-request mutable aggregate shared across dispatch waves: outcomes for
// prerequisite checks, marker hashes for input chaining, and in-memory outputs for stages that
// executed within this request.
type runState struct {
	mu       sync.Mutex
	results  StageResultMap
	outcomes map[string]StageOutcome
	hashes   map[string]string
	outputs  map[string]map[string]any
	halted   bool
}

// Run dispatches stages for one document per the chosen execution mode, returning the
// aggregated StageResultMap. mode must not be ModeBatch; use RunBatch for a document list.
func (o *Orchestrator) Run(ctx context.Context, documentID string, mode ExecutionMode, stages []string, opts RunOptions) (StageResultMap, error) {
	if mode == ModeBatch {
		return nil, fmt.Errorf("docpipeline: use RunBatch for batch mode")
	}
	docUUID, err := uuid.Parse(documentID)
	if err != nil {
		return nil, fmt.Errorf("docpipeline: invalid document_id: %w", err)
	}
	if missing := o.registry.MissingStages(); len(missing) > 0 {
		return nil, fmt.Errorf("docpipeline: registry missing stages: %v", missing)
	}

	dbc := dbctx.Context{Ctx: ctx, Tx: o.db}
	doc, err := o.docs.GetByID(dbc, docUUID)
	if err != nil {
		return nil, fmt.Errorf("docpipeline: get document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("docpipeline: document %s not found", documentID)
	}
	statuses, err := o.docs.GetStageStatuses(dbc, docUUID)
	if err != nil {
		return nil, fmt.Errorf("docpipeline: get stage statuses: %w", err)
	}
	markerRows, err := o.markers.ListByDocument(dbc, docUUID)
	if err != nil {
		return nil, fmt.Errorf("docpipeline: list markers: %w", err)
	}

	state := &runState{
		results:  StageResultMap{},
		outcomes: seedOutcomes(statuses),
		hashes:   map[string]string{},
		outputs:  map[string]map[string]any{},
	}
	for _, m := range markerRows {
		state.hashes[m.StageName] = m.DataHash
	}

	targetSet, err := o.resolveTargetSet(mode, stages, state.outcomes)
	if err != nil {
		return nil, err
	}

	topo, err := TopologicalOrder()
	if err != nil {
		return nil, err
	}
	var ordered []string
	for _, name := range topo {
		if targetSet[name] {
			ordered = append(ordered, name)
		}
	}

	correlationID := NewRequestCorrelationID()
	requestID := strings.TrimPrefix(requestPrefix(correlationID), "req_")

	remaining := append([]string(nil), ordered...)
	for len(remaining) > 0 {
		var ready []string
		var stillWaiting []string
		progressed := false

		for _, name := range remaining {
			// A prerequisite that is itself in this pass must finish first, so that its fresh
			// outcome and data hash (not the persisted ones) decide whether the dependent runs.
			pending := false
			for _, prereq := range Prerequisites(name) {
				if _, done := state.results[prereq]; targetSet[prereq] && !done {
					pending = true
				}
			}
			switch {
			case pending:
				stillWaiting = append(stillWaiting, name)
			case PrerequisiteFailed(name, state.outcomes):
				state.results[name] = StageResult{Outcome: OutcomeSkippedPrerequisiteFailed}
				state.outcomes[name] = OutcomeSkippedPrerequisiteFailed
				progressed = true
			case PrerequisiteDeferred(name, state.outcomes):
				state.results[name] = StageResult{Outcome: OutcomeDeferred}
				state.outcomes[name] = OutcomeDeferred
				progressed = true
			case PrerequisitesSatisfied(name, state.outcomes):
				ready = append(ready, name)
				progressed = true
			default:
				stillWaiting = append(stillWaiting, name)
			}
		}

		if !progressed {
			// Acyclic by construction (dag.go); this only guards against a partial target set
			// whose missing prerequisite never resolves, rather than looping forever.
			break
		}

		if len(ready) > 0 {
			if err := o.dispatchWave(ctx, doc, requestID, correlationID, ready, state); err != nil {
				return state.results, err
			}
			if state.halted && !opts.ContinueOnError {
				return state.results, nil
			}
		}

		remaining = stillWaiting
	}

	return state.results, nil
}

// dispatchWave runs one layer of mutually-independent stages concurrently, bounded by
// MaxStagesParallelPerRequest.
func (o *Orchestrator) dispatchWave(
	ctx context.Context,
	doc *types.Document,
	requestID string,
	correlationID CorrelationID,
	ready []string,
	state *runState,
) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	limit := o.MaxStagesParallelPerRequest
	if limit < 1 {
		limit = 1
	}
	grp.SetLimit(limit)

	for _, name := range ready {
		name := name
		stage, ok := o.registry.Get(name)
		if !ok {
			state.mu.Lock()
			state.results[name] = StageResult{Outcome: OutcomeFailed, Err: &ErrUnknownStage{Name: name}}
			state.outcomes[name] = OutcomeFailed
			state.halted = true
			state.mu.Unlock()
			continue
		}

		grp.Go(func() error {
			pctx := o.buildProcessingContext(doc, requestID, correlationID, name, 0, state)
			result := o.runner.Run(grpCtx, stage, pctx)

			state.mu.Lock()
			state.results[name] = result
			state.outcomes[name] = result.Outcome
			if result.DataHash != "" {
				state.hashes[name] = result.DataHash
			}
			if result.Outcome == OutcomeCompleted && result.Output != nil {
				state.outputs[name] = result.Output
			}
			if result.Outcome == OutcomeFailed {
				state.halted = true
			}
			state.mu.Unlock()
			return nil
		})
	}

	return grp.Wait()
}

// buildProcessingContext assembles the ephemeral per-invocation context: the document fields
// every stage may declare, the prerequisite marker hashes its canonical input chains over, and
// a read-only snapshot of prior in-request outputs.
func (o *Orchestrator) buildProcessingContext(doc *types.Document, requestID string, correlationID CorrelationID, stageName string, retryAttempt int, state *runState) *ProcessingContext {
	state.mu.Lock()
	prereqHashes := map[string]any{}
	for _, prereq := range Prerequisites(stageName) {
		if h, ok := state.hashes[prereq]; ok {
			prereqHashes[prereq] = h
		}
	}
	outputsView := make(map[string]map[string]any, len(state.outputs))
	for k, v := range state.outputs {
		outputsView[k] = v
	}
	state.mu.Unlock()

	cid := ExtendStage(correlationID, stageName, -1)
	if retryAttempt > 0 {
		cid = ExtendStage(correlationID, stageName, retryAttempt)
	}
	return &ProcessingContext{
		DocumentID:    doc.ID.String(),
		RequestID:     requestID,
		StageName:     stageName,
		RetryAttempt:  retryAttempt,
		CorrelationID: cid,
		InputData: map[string]any{
			"source_bucket":       doc.SourceBucket,
			"source_key":          doc.SourceKey,
			"prerequisite_hashes": prereqHashes,
		},
		StageOutputs: outputsView,
	}
}

// resolveTargetSet computes the set of stage names to dispatch this Run call, validating mode-
// specific preconditions (single mode's exactly-one-stage rule, prerequisite checks against
// already-persisted state for stages outside the dispatched set).
func (o *Orchestrator) resolveTargetSet(mode ExecutionMode, stages []string, outcomes map[string]StageOutcome) (map[string]bool, error) {
	switch mode {
	case ModeFull, ModeSmart:
		set := make(map[string]bool, len(StageNames))
		for _, name := range StageNames {
			set[name] = true
		}
		return set, nil

	case ModeSingle:
		if len(stages) != 1 {
			return nil, fmt.Errorf("docpipeline: single mode requires exactly one stage name")
		}
		name := stages[0]
		if !isKnownStage(name) {
			return nil, &ErrUnknownStage{Name: name}
		}
		if !PrerequisitesSatisfied(name, outcomes) {
			return nil, &ErrPrerequisitesNotMet{StageName: name}
		}
		return map[string]bool{name: true}, nil

	case ModeMultiple:
		if len(stages) == 0 {
			return nil, fmt.Errorf("docpipeline: multiple mode requires at least one stage name")
		}
		set := make(map[string]bool, len(stages))
		for _, name := range stages {
			if !isKnownStage(name) {
				return nil, &ErrUnknownStage{Name: name}
			}
			set[name] = true
		}
		// A prerequisite inside the named set is satisfied by dispatch order; one outside it
		// must already be completed (or skipped_unchanged) in persisted state, same rule as
		// single mode. Without this check a stage with an unmet external prerequisite would
		// just never become ready and fall out of the result map silently.
		for _, name := range stages {
			for _, prereq := range Prerequisites(name) {
				if set[prereq] {
					continue
				}
				switch outcomes[prereq] {
				case OutcomeCompleted, OutcomeSkippedUnchanged:
				default:
					return nil, &ErrPrerequisitesNotMet{StageName: name}
				}
			}
		}
		return set, nil

	default:
		return nil, fmt.Errorf("docpipeline: unknown execution mode %q", mode)
	}
}

// Status returns the current StageStatus mapping for documentID, with every registry stage
// defaulted to not_started when the document has no entry yet.
func (o *Orchestrator) Status(ctx context.Context, documentID string) (map[string]string, error) {
	docUUID, err := uuid.Parse(documentID)
	if err != nil {
		return nil, fmt.Errorf("docpipeline: invalid document_id: %w", err)
	}
	dbc := dbctx.Context{Ctx: ctx, Tx: o.db}
	statuses, err := o.docs.GetStageStatuses(dbc, docUUID)
	if err != nil {
		return nil, err
	}
	if statuses == nil {
		return nil, fmt.Errorf("docpipeline: document %s not found", documentID)
	}
	for _, name := range StageNames {
		if _, ok := statuses[name]; !ok {
			statuses[name] = "not_started"
		}
	}
	return statuses, nil
}

// Resume is equivalent to Run(documentID, smart).
func (o *Orchestrator) Resume(ctx context.Context, documentID string) (StageResultMap, error) {
	return o.Run(ctx, documentID, ModeSmart, nil, RunOptions{})
}

// CancelRetry resolves the PipelineError as failed with resolution_notes=cancelled and cancels
// any pending delayed-retry workflow recorded on the row.
func (o *Orchestrator) CancelRetry(ctx context.Context, errorID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx, Tx: o.db}
	pe, err := o.errors.GetByID(dbc, errorID)
	if err != nil {
		return fmt.Errorf("docpipeline: get pipeline error: %w", err)
	}
	if pe == nil {
		return fmt.Errorf("docpipeline: pipeline error %s not found", errorID)
	}
	if o.scheduler != nil && pe.RetryWorkflowID != "" {
		if err := o.scheduler.CancelScheduledRetry(ctx, pe.RetryWorkflowID); err != nil && o.log != nil {
			o.log.Warn("cancel scheduled retry failed", "error_id", errorID.String(), "workflow_id", pe.RetryWorkflowID, "error", err)
		}
	}
	return o.errors.UpdateFields(dbc, errorID, map[string]interface{}{
		"status":           "failed",
		"resolution_notes": "cancelled",
	})
}

// RunScheduledRetry re-enters the full Stage Runner path for one (document, stage) when a
// scheduled async retry fires. It rebuilds the processing context from persisted state (the
// document row and prerequisite markers), resumes the retry chain at the recorded count + 1,
// and keeps the original request's correlation lineage so the chain stays traceable.
func (o *Orchestrator) RunScheduledRetry(ctx context.Context, documentID uuid.UUID, stageName string) (string, error) {
	stage, ok := o.registry.Get(stageName)
	if !ok {
		return string(OutcomeFailed), &ErrUnknownStage{Name: stageName}
	}

	dbc := dbctx.Context{Ctx: ctx, Tx: o.db}
	doc, err := o.docs.GetByID(dbc, documentID)
	if err != nil {
		return string(OutcomeFailed), fmt.Errorf("docpipeline: get document: %w", err)
	}
	if doc == nil {
		return string(OutcomeFailed), fmt.Errorf("docpipeline: document %s not found", documentID)
	}

	open, err := o.errors.GetOpenByDocumentStage(dbc, documentID, stageName)
	if err != nil {
		return string(OutcomeFailed), err
	}
	if open == nil {
		// Cancelled or already resolved between scheduling and firing; nothing to do.
		return string(OutcomeSkippedUnchanged), nil
	}

	attempt := open.RetryCount + 1
	parent := CorrelationID(open.CorrelationID)
	parts, okParse := Parse(parent)
	if !okParse {
		parent = NewRequestCorrelationID()
		parts, _ = Parse(parent)
	}

	markerRows, err := o.markers.ListByDocument(dbc, documentID)
	if err != nil {
		return string(OutcomeFailed), err
	}
	prereqHashes := map[string]any{}
	for _, m := range markerRows {
		for _, prereq := range Prerequisites(stageName) {
			if m.StageName == prereq {
				prereqHashes[prereq] = m.DataHash
			}
		}
	}

	pctx := &ProcessingContext{
		DocumentID:    documentID.String(),
		RequestID:     parts.RequestID,
		StageName:     stageName,
		RetryAttempt:  attempt,
		CorrelationID: ExtendStage(CorrelationID("req_"+parts.RequestID), stageName, attempt),
		InputData: map[string]any{
			"source_bucket":       doc.SourceBucket,
			"source_key":          doc.SourceKey,
			"prerequisite_hashes": prereqHashes,
		},
	}

	result := o.runner.Run(ctx, stage, pctx)
	return string(result.Outcome), result.Err
}

// RunBatch executes Run across a list of documents, bounded by MaxDocumentsParallel, returning
// each document's StageResultMap alongside an aggregate BatchSummary.
func (o *Orchestrator) RunBatch(ctx context.Context, documentIDs []string, mode ExecutionMode, stages []string, opts RunOptions) (map[uuid.UUID]StageResultMap, BatchSummary, error) {
	if mode == ModeBatch {
		return nil, BatchSummary{}, fmt.Errorf("docpipeline: RunBatch needs the inner execution mode (full/smart/single/multiple), not batch")
	}

	var mu sync.Mutex
	out := make(map[uuid.UUID]StageResultMap, len(documentIDs))
	summary := BatchSummary{Total: len(documentIDs)}

	grp, grpCtx := errgroup.WithContext(ctx)
	limit := o.MaxDocumentsParallel
	if limit < 1 {
		limit = 1
	}
	grp.SetLimit(limit)

	for _, documentID := range documentIDs {
		documentID := documentID
		grp.Go(func() error {
			docUUID, err := uuid.Parse(documentID)
			if err != nil {
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				return nil
			}
			result, runErr := o.Run(grpCtx, documentID, mode, stages, opts)

			mu.Lock()
			defer mu.Unlock()
			out[docUUID] = result
			switch {
			case runErr != nil:
				summary.Failed++
			default:
				classifyBatchOutcome(result, &summary)
			}
			return nil
		})
	}
	_ = grp.Wait()

	return out, summary, nil
}

func classifyBatchOutcome(result StageResultMap, summary *BatchSummary) {
	hasFailed, hasDeferred := false, false
	for _, r := range result {
		switch r.Outcome {
		case OutcomeFailed:
			hasFailed = true
		case OutcomeDeferredAsyncRetry, OutcomeDeferred:
			hasDeferred = true
		}
	}
	switch {
	case hasFailed:
		summary.Failed++
	case hasDeferred:
		summary.Deferred++
	default:
		summary.Succeeded++
	}
}

// seedOutcomes maps already-persisted stage statuses onto the StageOutcome vocabulary so
// prerequisite checks against stages outside this pass's target set see their real state.
func seedOutcomes(statuses map[string]string) map[string]StageOutcome {
	outcomes := make(map[string]StageOutcome, len(statuses))
	for name, status := range statuses {
		switch status {
		case "completed":
			outcomes[name] = OutcomeCompleted
		case "failed":
			outcomes[name] = OutcomeFailed
		case "in_progress":
			outcomes[name] = OutcomeDeferred
		}
	}
	return outcomes
}
