package docpipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AlertQueueItem is an append-only producer record. A background aggregator groups pending
// items by alert_type (not by severity) within a configured time window and dispatches them.
type AlertQueueItem struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"alert_id"`

	AlertType string `gorm:"column:alert_type;not null;index" json:"alert_type"`

	// low|medium|high|critical
	Severity string `gorm:"column:severity;not null" json:"severity"`

	Title    string         `gorm:"column:title;not null" json:"title"`
	Message  string         `gorm:"column:message;not null" json:"message"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	// pending|aggregated|sent|failed
	Status string `gorm:"column:status;not null;index" json:"status"`

	CreatedAt   time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	ProcessedAt *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	SentAt      *time.Time `gorm:"column:sent_at" json:"sent_at,omitempty"`
}

func (AlertQueueItem) TableName() string { return "docpipeline_alert_queue" }

// AlertConfiguration is process-wide, cached configuration (bounded TTL, see
// docpipeline/config_cache.go) controlling when a given alert_type aggregates and dispatches.
type AlertConfiguration struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	AlertType string `gorm:"column:alert_type;not null;uniqueIndex" json:"alert_type"`

	Threshold         int `gorm:"column:threshold;not null;default:1" json:"threshold"`
	TimeWindowMinutes int `gorm:"column:time_window_minutes;not null;default:15" json:"time_window_minutes"`

	// Channels holds opaque handles, e.g. [{"kind":"email","to":"oncall@example.com"},{"kind":"sms","to":"+15551234567"}].
	Channels   datatypes.JSON `gorm:"column:channels;type:jsonb" json:"channels,omitempty"`
	Recipients datatypes.JSON `gorm:"column:recipients;type:jsonb" json:"recipients,omitempty"`

	Enabled bool `gorm:"column:enabled;not null;default:true" json:"enabled"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (AlertConfiguration) TableName() string { return "docpipeline_alert_configurations" }
