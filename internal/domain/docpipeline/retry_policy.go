package docpipeline

import (
	"time"

	"github.com/google/uuid"
)

// RetryPolicyRow is the persisted, process-wide retry configuration for a service (and
// optionally a single stage within it). Cached with a bounded TTL by docpipeline's config
// cache; callers must never hard-code delays.
type RetryPolicyRow struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	ServiceName string  `gorm:"column:service_name;not null;index:idx_retry_policy_service_stage,unique,priority:1" json:"service_name"`
	StageName   *string `gorm:"column:stage_name;index:idx_retry_policy_service_stage,unique,priority:2" json:"stage_name,omitempty"`

	MaxRetries        int     `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	InitialDelayMs    int     `gorm:"column:initial_delay_ms;not null;default:1000" json:"initial_delay_ms"`
	MaxDelayMs        int     `gorm:"column:max_delay_ms;not null;default:60000" json:"max_delay_ms"`
	BackoffMultiplier float64 `gorm:"column:backoff_multiplier;not null;default:2" json:"backoff_multiplier"`
	TimeoutMs         int     `gorm:"column:timeout_ms;not null;default:30000" json:"timeout_ms"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (RetryPolicyRow) TableName() string { return "docpipeline_retry_policies" }
