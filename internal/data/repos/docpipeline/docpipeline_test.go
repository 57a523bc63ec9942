package docpipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/docforge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

func TestDocumentStageStatusRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewDocumentRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	doc, err := repo.Create(dbc, &types.Document{
		ID:           uuid.New(),
		OwnerUserID:  uuid.New(),
		SourceBucket: "ingest",
		SourceKey:    "incoming/manual.pdf",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	if err := repo.UpdateStageStatus(dbc, doc.ID, "upload", "in_progress"); err != nil {
		t.Fatalf("set in_progress: %v", err)
	}
	if err := repo.UpdateStageStatus(dbc, doc.ID, "upload", "completed"); err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if err := repo.UpdateStageStatus(dbc, doc.ID, "text_extraction", "pending"); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	statuses, err := repo.GetStageStatuses(dbc, doc.ID)
	if err != nil {
		t.Fatalf("get statuses: %v", err)
	}
	if statuses["upload"] != "completed" || statuses["text_extraction"] != "pending" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestCompletionMarkerUpsertOverwrites(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	docs := NewDocumentRepo(db, testutil.Logger(t))
	markers := NewCompletionMarkerRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	doc, err := docs.Create(dbc, &types.Document{ID: uuid.New(), OwnerUserID: uuid.New(), SourceBucket: "b", SourceKey: "k"})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	first := &types.CompletionMarker{
		DocumentID:  doc.ID,
		StageName:   "upload",
		DataHash:    "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1",
		CompletedAt: time.Now(),
	}
	if _, err := markers.Upsert(dbc, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &types.CompletionMarker{
		DocumentID:  doc.ID,
		StageName:   "upload",
		DataHash:    "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2",
		CompletedAt: time.Now(),
	}
	if _, err := markers.Upsert(dbc, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := markers.Get(dbc, doc.ID, "upload")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.DataHash != second.DataHash {
		t.Fatalf("marker hash = %v, want overwritten value", got)
	}

	rows, err := markers.ListByDocument(dbc, doc.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("%d marker rows after upsert, want 1", len(rows))
	}
}

func TestPipelineErrorOpenRowLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewPipelineErrorRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	docID := uuid.New()
	created, err := repo.Create(dbc, &types.PipelineError{
		DocumentID:    docID,
		StageName:     "embedding",
		ErrorType:     "transient",
		ErrorMessage:  "503 from embeddings endpoint",
		Status:        "pending",
		CorrelationID: "req_6ba7b810-9dad-11d1-80b4-00c04fd430c8.stage_embedding",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	open, err := repo.GetOpenByDocumentStage(dbc, docID, "embedding")
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if open == nil || open.ID != created.ID {
		t.Fatalf("open row = %v, want the pending row", open)
	}

	next := time.Now().Add(2 * time.Second).UTC()
	if err := repo.UpdateFields(dbc, created.ID, map[string]interface{}{
		"status":        "retrying",
		"retry_count":   1,
		"next_retry_at": next,
	}); err != nil {
		t.Fatalf("update to retrying: %v", err)
	}

	due, err := repo.ListDueForRetry(dbc, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("%d due retries, want 1", len(due))
	}

	if err := repo.UpdateFields(dbc, created.ID, map[string]interface{}{"status": "resolved"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err = repo.GetOpenByDocumentStage(dbc, docID, "embedding")
	if err != nil {
		t.Fatalf("get open after resolve: %v", err)
	}
	if open != nil {
		t.Fatalf("resolved row still reported open")
	}
}

func TestAlertQueueAndRetention(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewAlertRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		item, err := repo.Enqueue(dbc, &types.AlertQueueItem{
			AlertType: "stage_failed",
			Severity:  "high",
			Title:     "Stage embedding failed",
			Message:   "503",
			Status:    "pending",
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, item.ID)
	}

	pending, err := repo.ListPendingByType(dbc, "stage_failed", time.Hour)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("%d pending, want 3", len(pending))
	}

	if err := repo.MarkStatus(dbc, ids, "sent"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	pending, err = repo.ListPendingByType(dbc, "stage_failed", time.Hour)
	if err != nil {
		t.Fatalf("list pending after send: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d pending after marking sent, want 0", len(pending))
	}

	// All three sent items were created just now, so a cutoff one minute in the future is
	// later than every one of them and the sweep removes all three.
	n, err := repo.DeleteOlderThan(dbc, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("retention delete: %v", err)
	}
	if n != 3 {
		t.Fatalf("retention removed %d rows, want 3", n)
	}
}

func TestRetryPolicyResolution(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewRetryPolicyRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	stage := "embedding"
	if err := tx.Create(&types.RetryPolicyRow{ServiceName: "ai_service", MaxRetries: 5, InitialDelayMs: 500, MaxDelayMs: 30000, BackoffMultiplier: 2, TimeoutMs: 20000}).Error; err != nil {
		t.Fatalf("seed service policy: %v", err)
	}
	if err := tx.Create(&types.RetryPolicyRow{ServiceName: "ai_service", StageName: &stage, MaxRetries: 2, InitialDelayMs: 250, MaxDelayMs: 10000, BackoffMultiplier: 3, TimeoutMs: 10000}).Error; err != nil {
		t.Fatalf("seed stage policy: %v", err)
	}

	got, err := repo.Resolve(dbc, "ai_service", "embedding")
	if err != nil {
		t.Fatalf("resolve specific: %v", err)
	}
	if got == nil || got.MaxRetries != 2 {
		t.Fatalf("specific policy = %v, want stage-level row", got)
	}

	got, err = repo.Resolve(dbc, "ai_service", "other")
	if err != nil {
		t.Fatalf("resolve fallback: %v", err)
	}
	if got == nil || got.MaxRetries != 5 {
		t.Fatalf("fallback policy = %v, want service-wide row", got)
	}
}
