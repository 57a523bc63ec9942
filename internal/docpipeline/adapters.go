package docpipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// ObjectStore is the S3-compatible object store adapter (C12). Implemented by
// platform/s3store against github.com/aws/aws-sdk-go-v2/service/s3; stages never import the
// AWS SDK directly.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// AIService is the synchronous embeddings/vision/chat adapter (C12). Implemented by
// docpipeline/aiservice wrapping teacher's clients/openai.Client directly; its errors must
// surface an HTTP status for the Error Classifier.
type AIService interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	DescribeImage(ctx context.Context, imageURL string, prompt string) (string, error)
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

// Filesystem stages large artifacts for the duration of one request, scoped to a per-request
// working directory. Implemented by platform/localmedia.
type Filesystem interface {
	WorkingDir(requestID string) (string, error)
	Cleanup(requestID string) error
}

// TimeSource is abstracted so tests can control "now" without sleeping.
type TimeSource interface {
	Now() time.Time
}

type realTimeSource struct{}

func (realTimeSource) Now() time.Time { return time.Now() }

// SystemTime is the production TimeSource.
var SystemTime TimeSource = realTimeSource{}

// BackgroundTaskScheduler is the opaque handle used by the Retry Orchestrator to enqueue a
// delayed task bound to a next_retry_at deadline. Implemented by docpipeline/retryq wrapping
// teacher's internal/temporalx as a delayed Temporal workflow start.
type BackgroundTaskScheduler interface {
	// ScheduleRetry enqueues a task that re-enters the Stage Runner path for (documentID,
	// stageName) no earlier than runAt. Returns an opaque handle (e.g. a Temporal workflow ID)
	// that CancelRetry can later use to cancel the pending task.
	ScheduleRetry(ctx context.Context, errorID, documentID uuid.UUID, stageName string, runAt time.Time) (handle string, err error)
	// CancelScheduledRetry cancels a previously scheduled retry task by its handle. Idempotent:
	// cancelling an already-fired or already-cancelled task is not an error.
	CancelScheduledRetry(ctx context.Context, handle string) error
}
