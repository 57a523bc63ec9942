package retryq

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow is the Temporal workflow started (with a StartDelay) by Scheduler.ScheduleRetry. The
// delay itself is carried by Temporal's StartWorkflowOptions.StartDelay, so the workflow body
// need only execute the single re-entry activity once it begins running and return.
func Workflow(ctx workflow.Context, input RetryInput) (RetryResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
	})
	var result RetryResult
	err := workflow.ExecuteActivity(ctx, ActivityReenter, input).Get(ctx, &result)
	if err != nil {
		return RetryResult{Outcome: "failed"}, err
	}
	return result, nil
}
