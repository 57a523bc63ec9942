package app

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/google/uuid"

	"github.com/yungbote/docforge-backend/internal/docpipeline/retryq"
	"github.com/yungbote/docforge-backend/internal/temporalx"
)

// startRetryWorker registers the delayed-retry workflow and its single re-entry activity on
// the shared task queue, then starts polling. The activity re-enters the full Stage Runner
// path through the orchestrator, so a fired retry observes exactly the same locking,
// idempotency, and error bookkeeping as a first attempt.
func (a *App) startRetryWorker(ctx context.Context) error {
	cfg := temporalx.LoadConfig()
	w := worker.New(a.temporal, cfg.TaskQueue, worker.Options{})

	acts := &retryq.Activities{
		Log: a.Log,
		Reenter: func(ctx context.Context, documentID uuid.UUID, stageName string) (string, error) {
			return a.Orchestrator.RunScheduledRetry(ctx, documentID, stageName)
		},
	}
	w.RegisterWorkflowWithOptions(retryq.Workflow, workflow.RegisterOptions{Name: retryq.WorkflowName})
	w.RegisterActivityWithOptions(acts.Activity, activity.RegisterOptions{Name: retryq.ActivityReenter})

	if err := w.Start(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}
