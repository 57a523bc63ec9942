package docpipeline

import (
	"time"

	"github.com/google/uuid"
)

// PipelineError records a stage failure and its retry lifecycle. Created on first failure;
// updated on each retry attempt; resolved (success after retry) or failed (exhausted /
// permanent) are its terminal states.
type PipelineError struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"error_id"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`
	StageName  string    `gorm:"column:stage_name;not null;index" json:"stage_name"`

	// transient|permanent
	ErrorType    string `gorm:"column:error_type;not null" json:"error_type"`
	ErrorMessage string `gorm:"column:error_message;not null" json:"error_message"`

	RetryCount int `gorm:"column:retry_count;not null;default:0" json:"retry_count"`

	// pending|retrying|resolved|failed
	Status string `gorm:"column:status;not null;index" json:"status"`

	CorrelationID string `gorm:"column:correlation_id;not null;index" json:"correlation_id"`

	NextRetryAt *time.Time `gorm:"column:next_retry_at;index" json:"next_retry_at,omitempty"`

	// RetryWorkflowID records the Temporal workflow ID backing the scheduled async retry so
	// CancelRetry can terminate it (see SPEC_FULL.md §9 supplemented feature).
	RetryWorkflowID string `gorm:"column:retry_workflow_id" json:"retry_workflow_id,omitempty"`

	ResolutionNotes string `gorm:"column:resolution_notes" json:"resolution_notes,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (PipelineError) TableName() string { return "docpipeline_errors" }
