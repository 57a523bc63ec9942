package docpipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CompletionMarker is durable evidence that a specific stage finished for a specific
// document with a specific input hash. Unique on (document_id, stage_name). Created when a
// stage succeeds; read before a stage runs; deleted or overwritten when the stage must
// re-execute because its input changed.
type CompletionMarker struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index:idx_completion_marker_doc_stage,unique,priority:1" json:"document_id"`
	StageName  string    `gorm:"column:stage_name;not null;index:idx_completion_marker_doc_stage,unique,priority:2" json:"stage_name"`

	// DataHash is the lowercase hex SHA-256 digest over canonical_input(context). Always 64 chars.
	DataHash string `gorm:"column:data_hash;type:char(64);not null" json:"data_hash"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CompletedAt time.Time `gorm:"column:completed_at;not null;default:now()" json:"completed_at"`
	CreatedAt   time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (CompletionMarker) TableName() string { return "docpipeline_completion_markers" }
