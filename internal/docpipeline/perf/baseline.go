package perf

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
)

// ErrForbiddenInProduction is returned by BaselineStore.Store when environment is "production",
// per spec §4.10: "Baseline storage MUST NOT be invoked in the production environment".
var ErrForbiddenInProduction = fmt.Errorf("perf: forbidden_in_production")

// BaselineStore persists PerformanceBaseline rows keyed by (test_name, document_name,
// revision_id), used to detect regressions against a prior code revision's timings.
type BaselineStore struct {
	repo docrepo.PerformanceBaselineRepo
}

func NewBaselineStore(repo docrepo.PerformanceBaselineRepo) *BaselineStore {
	return &BaselineStore{repo: repo}
}

// metricsPayload is the opaque nested structure named in spec §3: pipeline_time_ms, per-stage
// times, and external-API counts/times, built from a RequestMetrics summary.
type metricsPayload struct {
	PipelineTimeMs    int64            `json:"pipeline_time_ms"`
	StageDurationsMs  map[string]int64 `json:"stage_durations_ms"`
	StageCount        int              `json:"stage_count"`
	ExternalAPICount  int              `json:"external_api_count"`
	ExternalAPITimeMs int64            `json:"external_api_time_ms"`
}

// Store upserts a PerformanceBaseline row for (testName, documentName, revisionID). Rejected
// outright when environment is "production" (spec §4.10's hard constraint); existing rows for
// staging are overwritten by design (the repo's Upsert is the only write path — there is no
// separate --force flag because every staging write is already an intentional overwrite).
func (s *BaselineStore) Store(dbc dbctx.Context, testName, documentName, revisionID, environment string, metrics RequestMetrics) (*types.PerformanceBaseline, error) {
	if environment == "production" {
		return nil, ErrForbiddenInProduction
	}
	payload := metricsPayload{
		PipelineTimeMs:    metrics.TotalDurationMs,
		StageDurationsMs:  metrics.StageDurationsMs,
		StageCount:        metrics.StageCount,
		ExternalAPICount:  metrics.ExternalCalls,
		ExternalAPITimeMs: metrics.ExternalTimeMs,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("perf: marshal metrics: %w", err)
	}
	baseline := &types.PerformanceBaseline{
		TestName:     testName,
		DocumentName: documentName,
		RevisionID:   revisionID,
		Environment:  environment,
		Metrics:      datatypes.JSON(raw),
		RecordedAt:   time.Now(),
	}
	return s.repo.Upsert(dbc, baseline)
}

// Compare fetches the baseline stored under exactly (testName, documentName, revisionID) and
// returns it alongside a boolean reporting whether one existed; no other revision is consulted
// when that one is absent. Callers can diff the fresh
// RequestMetrics against it for a regression check.
func (s *BaselineStore) Compare(dbc dbctx.Context, testName, documentName, revisionID string) (*types.PerformanceBaseline, bool, error) {
	existing, err := s.repo.Get(dbc, testName, documentName, revisionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, nil
	}
	return existing, true, nil
}
