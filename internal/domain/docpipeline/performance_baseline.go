package docpipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PerformanceBaseline is a recorded set of timing/throughput metrics for a named test run
// against a named document revision in a given environment. Used to detect regressions by
// comparing a fresh PerformanceCollector run against the baseline stored for the same
// (test_name, document_name, revision_id). Writing baselines is forbidden in production; see
// perf.BaselineStore.Store.
type PerformanceBaseline struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	TestName     string `gorm:"column:test_name;not null;index:idx_perf_baseline_identity,unique,priority:1" json:"test_name"`
	DocumentName string `gorm:"column:document_name;not null;index:idx_perf_baseline_identity,unique,priority:2" json:"document_name"`
	RevisionID   string `gorm:"column:revision_id;not null;index:idx_perf_baseline_identity,unique,priority:3" json:"revision_id"`

	// staging|production
	Environment string `gorm:"column:environment;not null" json:"environment"`

	// Metrics is an opaque nested structure, e.g. {"stage_durations_ms":{"text_extraction":842},
	// "total_duration_ms":15230,"peak_memory_mb":512}.
	Metrics datatypes.JSON `gorm:"column:metrics;type:jsonb;not null" json:"metrics"`

	RecordedAt time.Time `gorm:"column:recorded_at;not null;default:now();index" json:"recorded_at"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (PerformanceBaseline) TableName() string { return "docpipeline_performance_baselines" }
