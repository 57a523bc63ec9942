package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

type fakeAlertRepo struct {
	mu    sync.Mutex
	items []*types.AlertQueueItem
}

func (r *fakeAlertRepo) Enqueue(dbc dbctx.Context, item *types.AlertQueueItem) (*types.AlertQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	copied := *item
	r.items = append(r.items, &copied)
	return item, nil
}

func (r *fakeAlertRepo) ListPendingByType(dbc dbctx.Context, alertType string, window time.Duration) ([]*types.AlertQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := time.Now().Add(-window)
	var out []*types.AlertQueueItem
	for _, item := range r.items {
		if item.AlertType == alertType && item.Status == "pending" && !item.CreatedAt.Before(since) {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeAlertRepo) MarkStatus(dbc dbctx.Context, ids []uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	now := time.Now()
	for _, item := range r.items {
		if !want[item.ID] {
			continue
		}
		item.Status = status
		switch status {
		case "aggregated":
			item.ProcessedAt = &now
		case "sent":
			item.SentAt = &now
		}
	}
	return nil
}

func (r *fakeAlertRepo) GetConfiguration(dbc dbctx.Context, alertType string) (*types.AlertConfiguration, error) {
	return nil, nil
}

func (r *fakeAlertRepo) ListConfigurations(dbc dbctx.Context) ([]*types.AlertConfiguration, error) {
	return nil, nil
}

func (r *fakeAlertRepo) DeleteOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeAlertRepo) countByStatus(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Status == status {
			n++
		}
	}
	return n
}

type staticConfigs struct {
	byType map[string]AlertConfig
}

func (c staticConfigs) Resolve(alertType string) (AlertConfig, bool) {
	cfg, ok := c.byType[alertType]
	return cfg, ok
}

type capturingDispatcher struct {
	mu         sync.Mutex
	dispatches []Dispatch
	fail       bool
}

func (d *capturingDispatcher) Dispatch(ctx context.Context, channel ChannelHandle, dispatch Dispatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("channel unavailable")
	}
	d.dispatches = append(d.dispatches, dispatch)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func seedAlerts(t *testing.T, repo *fakeAlertRepo, queue *Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := queue.Queue(context.Background(), "stage_failed", "high", "Stage embedding failed", "503 from embedding service", nil); err != nil {
			t.Fatalf("queue alert: %v", err)
		}
	}
	_ = repo
}

func newAggregatorUnderTest(t *testing.T, threshold int, dispatcher Dispatcher) (*Aggregator, *fakeAlertRepo, *Queue) {
	t.Helper()
	repo := &fakeAlertRepo{}
	log := testLogger(t)
	configs := staticConfigs{byType: map[string]AlertConfig{
		"stage_failed": {
			Threshold:         threshold,
			TimeWindowMinutes: 15,
			Channels:          []ChannelHandle{{Kind: "email", To: "oncall@example.com"}},
			Enabled:           true,
		},
	}}
	return NewAggregator(repo, configs, dispatcher, log), repo, NewQueue(repo, log)
}

func TestAggregatorDispatchesAtThreshold(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	agg, repo, queue := newAggregatorUnderTest(t, 3, dispatcher)
	seedAlerts(t, repo, queue, 5)

	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(dispatcher.dispatches) != 1 {
		t.Fatalf("%d dispatches, want 1 aggregated dispatch", len(dispatcher.dispatches))
	}
	d := dispatcher.dispatches[0]
	if d.Count != 5 {
		t.Fatalf("dispatch count %d, want 5", d.Count)
	}
	if d.AlertType != "stage_failed" || d.Severity != "high" {
		t.Fatalf("dispatch %+v missing type/severity", d)
	}
	if len(d.Examples) != 5 {
		t.Fatalf("%d examples, want 5 (below the 10 cap)", len(d.Examples))
	}
	if repo.countByStatus("sent") != 5 || repo.countByStatus("pending") != 0 {
		t.Fatalf("sent=%d pending=%d after dispatch, want 5/0", repo.countByStatus("sent"), repo.countByStatus("pending"))
	}
}

func TestAggregatorBelowThresholdLeavesPending(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	agg, repo, queue := newAggregatorUnderTest(t, 3, dispatcher)
	seedAlerts(t, repo, queue, 2)

	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.dispatches) != 0 {
		t.Fatalf("dispatched below threshold")
	}
	if repo.countByStatus("pending") != 2 {
		t.Fatalf("pending=%d, want 2 left for the next tick", repo.countByStatus("pending"))
	}
}

func TestAggregatorNeverDoubleCounts(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	agg, repo, queue := newAggregatorUnderTest(t, 1, dispatcher)
	seedAlerts(t, repo, queue, 4)

	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	total := 0
	for _, d := range dispatcher.dispatches {
		total += d.Count
	}
	if total != 4 {
		t.Fatalf("total items dispatched %d, want 4 (each item counted exactly once)", total)
	}
	if repo.countByStatus("pending") != 0 {
		t.Fatalf("items left pending after dispatch")
	}
}

func TestAggregatorDispatchFailureMarksFailed(t *testing.T) {
	dispatcher := &capturingDispatcher{fail: true}
	agg, repo, queue := newAggregatorUnderTest(t, 1, dispatcher)
	seedAlerts(t, repo, queue, 2)

	// A channel failure must never propagate back to producers.
	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("tick surfaced dispatch failure: %v", err)
	}
	if repo.countByStatus("failed") != 2 {
		t.Fatalf("failed=%d, want 2 after channel failure", repo.countByStatus("failed"))
	}
}

func TestAggregatorSkipsDisabledConfig(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	repo := &fakeAlertRepo{}
	log := testLogger(t)
	configs := staticConfigs{byType: map[string]AlertConfig{
		"stage_failed": {Threshold: 1, TimeWindowMinutes: 15, Enabled: false},
	}}
	agg := NewAggregator(repo, configs, dispatcher, log)
	queue := NewQueue(repo, log)
	seedAlerts(t, repo, queue, 3)

	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.dispatches) != 0 {
		t.Fatalf("disabled configuration still dispatched")
	}
}

func TestExamplesAreBounded(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	agg, repo, queue := newAggregatorUnderTest(t, 1, dispatcher)
	seedAlerts(t, repo, queue, 25)

	if err := agg.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(dispatcher.dispatches) != 1 {
		t.Fatalf("%d dispatches, want 1", len(dispatcher.dispatches))
	}
	d := dispatcher.dispatches[0]
	if d.Count != 25 {
		t.Fatalf("count %d, want 25", d.Count)
	}
	if len(d.Examples) != maxExamplesPerDispatch {
		t.Fatalf("%d examples, want capped at %d", len(d.Examples), maxExamplesPerDispatch)
	}
}
