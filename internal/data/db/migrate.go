package db

import (
	types "github.com/yungbote/docforge-backend/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Document{},
		&types.CompletionMarker{},
		&types.PipelineError{},
		&types.AlertQueueItem{},
		&types.AlertConfiguration{},
		&types.RetryPolicyRow{},
		&types.PerformanceBaseline{},
	); err != nil {
		return err
	}
	return ensurePipelineIndexes(db)
}

// ensurePipelineIndexes adds the partial indexes AutoMigrate can't express: the hot queue
// scans over pending alerts and due retries.
func ensurePipelineIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_alert_queue_pending
		   ON docpipeline_alert_queue (alert_type, created_at)
		   WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_errors_due
		   ON docpipeline_errors (next_retry_at)
		   WHERE status = 'retrying'`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrateAll(s.db)
}
