package docpipeline

import "context"

// StageOutcome is one of the terminal or non-terminal outcomes the orchestrator aggregates
// into the per-request result map.
type StageOutcome string

const (
	OutcomeCompleted                 StageOutcome = "completed"
	OutcomeSkippedUnchanged          StageOutcome = "skipped_unchanged"
	OutcomeSkippedConcurrentFirst    StageOutcome = "skipped_concurrent_first_attempt"
	OutcomeSkippedConcurrentRetry    StageOutcome = "skipped_concurrent_retry"
	OutcomeSkippedPrerequisiteFailed StageOutcome = "skipped_prerequisite_failed"
	OutcomeDeferredAsyncRetry        StageOutcome = "deferred_async_retry"
	OutcomeDeferred                  StageOutcome = "deferred"
	OutcomeFailed                    StageOutcome = "failed"
)

// Stage is the uniform contract every one of the 15 pipeline stages implements. The Stage
// Registry binds a closed set of stage names to implementations of this interface; the set of
// behaviors behind it stays open (spec §9: "preserves the open set of stage behaviors while
// making the closed set of stage names explicit").
type Stage interface {
	// Name returns the stage's registry key; must be one of the 15 names in the Dependency Graph.
	Name() string

	// SchemaVersion is the literal folded into CanonicalInput so a deliberate change to a
	// stage's input shape invalidates previously stored completion markers.
	SchemaVersion() int

	// CanonicalInput builds the deterministic, declared-input view the Idempotency Checker
	// hashes. Must read only the prerequisite outputs this stage's contract names, never the
	// full stage_outputs map.
	CanonicalInput(ctx *ProcessingContext) (CanonicalInput, error)

	// Execute runs the stage body. Pure with respect to its declared input and the adapters
	// reachable through ctx; side effects on the stage's own tables/buckets are permitted, but
	// it must not reach into another stage's namespace.
	Execute(ctx context.Context, pctx *ProcessingContext) (map[string]any, error)

	// Cleanup removes this stage's persisted outputs for documentID. Invoked by the Idempotency
	// Checker before a changed-input re-execution, and must itself be idempotent.
	Cleanup(ctx context.Context, documentID string) error
}

// ProcessingContext is the ephemeral, in-memory value threaded through one stage invocation.
// It is never persisted; only its effects (CompletionMarker, StageStatus, PipelineError rows)
// survive past the call.
type ProcessingContext struct {
	DocumentID    string
	RequestID     string
	StageName     string
	RetryAttempt  int
	CorrelationID CorrelationID

	// InputData is opaque to the core; each stage defines its own shape for what it reads off
	// the Document and prior outputs.
	InputData map[string]any

	// StageOutputs is a read-only view of prior stage results within the same request, keyed
	// by stage name. Stages must only read the keys their contract declares.
	StageOutputs map[string]map[string]any
}

// Output returns the named prior stage's output map, or nil if that stage hasn't produced one
// yet within this request.
func (p *ProcessingContext) Output(stageName string) map[string]any {
	if p == nil || p.StageOutputs == nil {
		return nil
	}
	return p.StageOutputs[stageName]
}
