package docpipeline

import (
	"context"
	"testing"
	"time"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

func TestComputeBackoff(t *testing.T) {
	policy := RetryPolicy{InitialDelayMs: 1000, MaxDelayMs: 60000, BackoffMultiplier: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 60 * time.Second},
		{0, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := computeBackoff(policy, tc.attempt); got != tc.want {
			t.Fatalf("backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestComputeBackoffDefaultsMultiplier(t *testing.T) {
	policy := RetryPolicy{InitialDelayMs: 100, MaxDelayMs: 1000}
	if got := computeBackoff(policy, 2); got != 200*time.Millisecond {
		t.Fatalf("backoff with zero multiplier = %v, want 200ms (defaulted x2)", got)
	}
}

func TestPolicyCacheResolution(t *testing.T) {
	baseLog, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	stage := "embedding"
	repo := &fakePolicyRepo{rows: []*types.RetryPolicyRow{
		{ServiceName: "embedding", StageName: nil, MaxRetries: 3, InitialDelayMs: 50, MaxDelayMs: 1000, BackoffMultiplier: 2, TimeoutMs: 1000},
		{ServiceName: "embedding", StageName: &stage, MaxRetries: 3, InitialDelayMs: 10, MaxDelayMs: 1000, BackoffMultiplier: 2, TimeoutMs: 1000},
	}}
	cache := NewPolicyCache(nil, repo, baseLog)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if p := cache.Resolve("embedding", "embedding"); p.InitialDelayMs != 10 {
		t.Fatalf("stage-specific policy not preferred: got initial %d", p.InitialDelayMs)
	}
	if p := cache.Resolve("embedding", "other_stage"); p.InitialDelayMs != 50 {
		t.Fatalf("service-wide fallback not applied: got initial %d", p.InitialDelayMs)
	}
	if p := cache.Resolve("unknown_service", "x"); p.InitialDelayMs != defaultRetryPolicy.InitialDelayMs {
		t.Fatalf("default policy not applied for unknown service")
	}
}

func TestStageTimeoutTreatedAsTransient(t *testing.T) {
	env := newTestEnv(t)
	docID := env.newDocument()

	// The stage blocks until its per-invocation timeout fires; the deadline error is
	// transient, so the run ends deferred rather than failed.
	env.registry.mu.Lock()
	fs := env.registry.stages["link_extraction"].(*fakeStage)
	fs.execute = func(ctx context.Context, pctx *ProcessingContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	env.registry.mu.Unlock()

	results, err := env.orch.Run(context.Background(), docID.String(), ModeFull, nil, RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("run full: %v", err)
	}
	if results["link_extraction"].Outcome != OutcomeDeferredAsyncRetry {
		t.Fatalf("timed-out stage outcome %s, want deferred_async_retry", results["link_extraction"].Outcome)
	}
}
