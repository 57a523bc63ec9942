package docpipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

func newIdemChecker(t *testing.T) (*IdempotencyChecker, *fakeMarkerRepo, *fakeDocumentRepo, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	markers := newFakeMarkerRepo()
	docs := newFakeDocumentRepo()
	return NewIdempotencyChecker(gdb, markers, docs), markers, docs, gdb
}

func TestCheckAfterSetMarker(t *testing.T) {
	idem, _, docs, _ := newIdemChecker(t)
	docID := uuid.New()
	docs.Create(dbctx.Context{}, &types.Document{ID: docID})

	hash, err := idem.ComputeHash(CanonicalInput{SchemaVersion: 1, DocumentID: docID.String(), Fields: map[string]any{"text": "ABC"}})
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if err := idem.SetMarker(context.Background(), docID, "upload", hash, map[string]any{"retry_attempt": 0}); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	check, err := idem.Check(dbctx.Context{Ctx: context.Background()}, docID, "upload")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.IsComplete || check.StoredHash != hash {
		t.Fatalf("check = %+v, want complete with hash %s", check, hash)
	}

	statuses, _ := docs.GetStageStatuses(dbctx.Context{}, docID)
	if statuses["upload"] != "completed" {
		t.Fatalf("stage status %q after set_marker, want completed", statuses["upload"])
	}
}

func TestCleanupInvokesStageAndDropsMarker(t *testing.T) {
	idem, markers, docs, _ := newIdemChecker(t)
	docID := uuid.New()
	docs.Create(dbctx.Context{}, &types.Document{ID: docID})

	if err := idem.SetMarker(context.Background(), docID, "chunk_prep", "deadbeef", nil); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	cleaned := 0
	stage := &fakeStage{
		name:    "chunk_prep",
		version: 1,
		cleanup: func(ctx context.Context, documentID string) error {
			cleaned++
			return nil
		},
	}
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := idem.Cleanup(dbc, stage, docID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("stage cleanup invoked %d times, want 1", cleaned)
	}
	if m, _ := markers.Get(dbc, docID, "chunk_prep"); m != nil {
		t.Fatalf("marker survived cleanup")
	}

	// Cleanup is idempotent: a second pass is a no-op, not an error.
	if err := idem.Cleanup(dbc, stage, docID); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func TestCleanupSurfacesStageFailure(t *testing.T) {
	idem, markers, docs, _ := newIdemChecker(t)
	docID := uuid.New()
	docs.Create(dbctx.Context{}, &types.Document{ID: docID})
	if err := idem.SetMarker(context.Background(), docID, "storage", "deadbeef", nil); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	stage := &fakeStage{
		name:    "storage",
		version: 1,
		cleanup: func(ctx context.Context, documentID string) error {
			return errors.New("bucket unavailable")
		},
	}
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := idem.Cleanup(dbc, stage, docID); err == nil {
		t.Fatalf("cleanup swallowed the stage failure")
	}
	// The marker must survive a failed cleanup so the stage isn't wrongly considered fresh.
	if m, _ := markers.Get(dbc, docID, "storage"); m == nil {
		t.Fatalf("marker deleted despite failed cleanup")
	}
}
