package docpipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/docforge-backend/internal/data/repos/testutil"
)

func TestAdvisoryLockExclusion(t *testing.T) {
	db := testutil.DB(t)
	mgr := NewAdvisoryLockManager(db)
	ctx := context.Background()
	docID := uuid.New()

	handle, err := mgr.TryAcquire(ctx, docID, "embedding")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if handle == nil {
		t.Fatalf("first acquire returned contention on a fresh key")
	}

	second, err := mgr.TryAcquire(ctx, docID, "embedding")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		_ = mgr.Release(ctx, second)
		t.Fatalf("second acquire succeeded while first lock held")
	}

	// A different stage on the same document is a different key.
	other, err := mgr.TryAcquire(ctx, docID, "upload")
	if err != nil {
		t.Fatalf("sibling acquire: %v", err)
	}
	if other == nil {
		t.Fatalf("sibling stage lock contended unexpectedly")
	}
	if err := mgr.Release(ctx, other); err != nil {
		t.Fatalf("release sibling: %v", err)
	}

	if err := mgr.Release(ctx, handle); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Released keys are immediately reacquirable.
	again, err := mgr.TryAcquire(ctx, docID, "embedding")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if again == nil {
		t.Fatalf("reacquire contended after release")
	}
	if err := mgr.Release(ctx, again); err != nil {
		t.Fatalf("release reacquired: %v", err)
	}
}
