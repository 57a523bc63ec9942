// Package retryq implements the Retry Orchestrator's background task scheduler (part of C12)
// as a delayed Temporal workflow start, the same mechanism teacher's internal/temporalx wires
// for other delayed work (internal/temporalx/jobrun), rather than a bespoke in-process timer
// queue.
package retryq

const (
	// WorkflowName is the Temporal workflow type name registered for scheduled stage retries.
	WorkflowName = "docpipeline_retry"
	// ActivityReenter is the single activity the workflow executes once its StartDelay elapses.
	ActivityReenter = "docpipeline_retry_reenter"
)

// RetryInput is the Temporal workflow/activity input: enough to re-enter the Stage Runner path
// for exactly one (document, stage) pair when the scheduled retry fires.
type RetryInput struct {
	ErrorID    string `json:"error_id"`
	DocumentID string `json:"document_id"`
	StageName  string `json:"stage_name"`
}

// RetryResult is returned by the activity for observability. When the re-entered run returns
// an error, the activity returns it and the workflow fails with it; the Stage Runner path it
// drives owns recording PipelineError/CompletionMarker state.
type RetryResult struct {
	Outcome string `json:"outcome"`
}
