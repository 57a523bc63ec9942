package docpipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Document is the pipeline's view of an ingested artifact. The core treats it as a key:
// the pointer to source bytes and any descriptive metadata are owned by the ingestion
// boundary (out of scope). stage_status is the single JSON-shaped column tracking the
// lifecycle of all 15 named stages for this document.
type Document struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	// SourceBucket/SourceKey point at the object store location of the source bytes.
	SourceBucket string `gorm:"column:source_bucket;not null" json:"source_bucket"`
	SourceKey    string `gorm:"column:source_key;not null" json:"source_key"`

	// StageStatus maps stage name -> one of {not_started,pending,in_progress,completed,failed,skipped}.
	// Every stage in the Registry has a defined entry for every document that entered the
	// pipeline, defaulting to not_started when absent.
	StageStatus datatypes.JSON `gorm:"column:stage_status;type:jsonb;not null;default:'{}'" json:"stage_status"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "docpipeline_documents" }
