// Package alert implements the Alert Service (C5): an append-only queue plus a background
// aggregator that groups pending items by alert type over a time window before dispatching.
// Items of different severities within one type share a single group; a dispatch carries the
// severity of the newest item in it.
package alert

import (
	"context"
	"fmt"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// Queue is the producer side of the Alert Service. Producers never block: Queue does a single
// insert and returns, matching spec §4.5's backpressure rule ("the queue is append-only;
// producers never block").
type Queue struct {
	db  docrepo.AlertRepo
	log *logger.Logger
}

func NewQueue(repo docrepo.AlertRepo, baseLog *logger.Logger) *Queue {
	return &Queue{db: repo, log: baseLog.With("component", "AlertQueue")}
}

// Queue enqueues an AlertQueueItem with status pending. Satisfies docpipeline.AlertQueuer so
// the Retry Orchestrator can depend on this package without a cyclic import.
func (q *Queue) Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any) error {
	if q == nil || q.db == nil {
		return nil
	}
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("alert: marshal metadata: %w", err)
	}
	item := &types.AlertQueueItem{
		AlertType: alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Metadata:  metaJSON,
		Status:    "pending",
	}
	dbc := dbctx.Context{Ctx: ctx}
	_, err = q.db.Enqueue(dbc, item)
	if err != nil {
		return fmt.Errorf("alert: enqueue: %w", err)
	}
	if q.log != nil {
		q.log.Info("alert queued", "alert_type", alertType, "severity", severity)
	}
	return nil
}
