package retryq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/docforge-backend/internal/platform/logger"
	"github.com/yungbote/docforge-backend/internal/temporalx"
)

// Scheduler implements docpipeline.BackgroundTaskScheduler against a Temporal client. It
// satisfies that interface structurally: this package intentionally never imports docpipeline.
type Scheduler struct {
	tc        temporalsdkclient.Client
	taskQueue string
	log       *logger.Logger
}

func NewScheduler(tc temporalsdkclient.Client, baseLog *logger.Logger) *Scheduler {
	cfg := temporalx.LoadConfig()
	return &Scheduler{tc: tc, taskQueue: cfg.TaskQueue, log: baseLog.With("component", "RetryScheduler")}
}

// ScheduleRetry starts a docpipeline_retry workflow delayed until runAt via
// StartWorkflowOptions.StartDelay, returning the workflow ID as the opaque handle.
func (s *Scheduler) ScheduleRetry(ctx context.Context, errorID, documentID uuid.UUID, stageName string, runAt time.Time) (string, error) {
	if s == nil || s.tc == nil {
		return "", fmt.Errorf("retryq: temporal client not configured")
	}
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	workflowID := fmt.Sprintf("docpipeline-retry-%s-%s", documentID, stageName)
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:         workflowID,
		TaskQueue:  s.taskQueue,
		StartDelay: delay,
	}
	input := RetryInput{ErrorID: errorID.String(), DocumentID: documentID.String(), StageName: stageName}
	run, err := s.tc.ExecuteWorkflow(ctx, opts, Workflow, input)
	if err != nil {
		return "", fmt.Errorf("retryq: start workflow: %w", err)
	}
	return run.GetID(), nil
}

// CancelScheduledRetry cancels a pending retry workflow by its workflow ID. Cancelling an
// already-fired or already-cancelled workflow is treated as success, matching the idempotent
// contract docpipeline.BackgroundTaskScheduler requires.
func (s *Scheduler) CancelScheduledRetry(ctx context.Context, handle string) error {
	if s == nil || s.tc == nil || handle == "" {
		return nil
	}
	err := s.tc.CancelWorkflow(ctx, handle, "")
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("retryq: cancel workflow %s: %w", handle, err)
}
