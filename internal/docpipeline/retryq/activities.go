package retryq

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// Reentrant is the narrow callback the composition root supplies: re-run the Stage Runner path
// for exactly one (document, stage), the way the fired retry was originally scheduled. Kept as
// a plain function type (not a docpipeline.Orchestrator reference) so this package never
// imports docpipeline and creates a cycle back to retryq.
type Reentrant func(ctx context.Context, documentID uuid.UUID, stageName string) (outcome string, err error)

// Activities bundles the single activity implementation Workflow executes once its StartDelay
// elapses.
type Activities struct {
	Log     *logger.Logger
	Reenter Reentrant
}

// Activity implements the ActivityReenter activity registered with the Temporal worker.
func (a *Activities) Activity(ctx context.Context, input RetryInput) (RetryResult, error) {
	if a == nil || a.Reenter == nil {
		return RetryResult{}, fmt.Errorf("retryq: no reentry callback configured")
	}
	documentID, err := uuid.Parse(input.DocumentID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("retryq: invalid document_id: %w", err)
	}
	outcome, err := a.Reenter(ctx, documentID, input.StageName)
	if err != nil {
		if a.Log != nil {
			a.Log.Warn("scheduled retry re-entry failed", "document_id", input.DocumentID, "stage_name", input.StageName, "error", err)
		}
		return RetryResult{Outcome: "failed"}, err
	}
	return RetryResult{Outcome: outcome}, nil
}
