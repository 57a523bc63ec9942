package perf

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

type fakeBaselineRepo struct {
	mu   sync.Mutex
	rows map[string]*types.PerformanceBaseline
}

func newFakeBaselineRepo() *fakeBaselineRepo {
	return &fakeBaselineRepo{rows: map[string]*types.PerformanceBaseline{}}
}

func baselineKey(testName, documentName, revisionID string) string {
	return testName + "|" + documentName + "|" + revisionID
}

func (r *fakeBaselineRepo) Upsert(dbc dbctx.Context, baseline *types.PerformanceBaseline) (*types.PerformanceBaseline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if baseline.ID == uuid.Nil {
		baseline.ID = uuid.New()
	}
	copied := *baseline
	r.rows[baselineKey(baseline.TestName, baseline.DocumentName, baseline.RevisionID)] = &copied
	return baseline, nil
}

func (r *fakeBaselineRepo) Get(dbc dbctx.Context, testName, documentName, revisionID string) (*types.PerformanceBaseline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[baselineKey(testName, documentName, revisionID)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (r *fakeBaselineRepo) ListByTest(dbc dbctx.Context, testName string) ([]*types.PerformanceBaseline, error) {
	return nil, nil
}

func TestStoreBaselineRejectedInProduction(t *testing.T) {
	store := NewBaselineStore(newFakeBaselineRepo())
	_, err := store.Store(dbctx.Context{}, "smoke", "doc-a", "rev-1", "production", RequestMetrics{})
	if !errors.Is(err, ErrForbiddenInProduction) {
		t.Fatalf("production store returned %v, want ErrForbiddenInProduction", err)
	}
}

func TestStoreAndCompareBaseline(t *testing.T) {
	repo := newFakeBaselineRepo()
	store := NewBaselineStore(repo)

	metrics := RequestMetrics{
		TotalDurationMs:  1500,
		StageDurationsMs: map[string]int64{"upload": 100, "embedding": 400},
		StageCount:       2,
		ExternalCalls:    1,
		ExternalTimeMs:   400,
	}
	row, err := store.Store(dbctx.Context{}, "smoke", "doc-a", "rev-1", "staging", metrics)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if row.Environment != "staging" || len(row.Metrics) == 0 {
		t.Fatalf("stored baseline %+v missing fields", row)
	}

	got, found, err := store.Compare(dbctx.Context{}, "smoke", "doc-a", "rev-1")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !found || got == nil {
		t.Fatalf("stored baseline not found on compare")
	}

	_, found, err = store.Compare(dbctx.Context{}, "smoke", "doc-a", "rev-2")
	if err != nil {
		t.Fatalf("compare missing: %v", err)
	}
	if found {
		t.Fatalf("compare reported a baseline for an unknown revision")
	}
}
