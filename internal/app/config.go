package app

import (
	"github.com/yungbote/docforge-backend/internal/platform/envutil"
)

// Config is the process-level configuration the composition root reads once at startup.
// Component-specific knobs (cache TTLs, sweep horizons, S3 credentials, Temporal endpoints)
// stay with their packages; this only carries what wiring itself needs.
type Config struct {
	// Environment is "staging" or "production"; performance baseline writes are rejected in
	// production.
	Environment string

	LogMode string

	// PipelineBucket is the object-store bucket every stage namespaces its outputs under.
	PipelineBucket string

	// RedisAddr enables the distributed config-cache invalidation bus when non-empty.
	RedisAddr string

	// AlertEmailFrom / AlertSMSFrom are the sender identities for the alert dispatchers; an
	// empty value disables that channel.
	AlertEmailFrom string
	AlertSMSFrom   string
}

func LoadConfig() Config {
	return Config{
		Environment:    envutil.String("APP_ENV", "staging"),
		LogMode:        envutil.String("LOG_MODE", "development"),
		PipelineBucket: envutil.String("DOCPIPELINE_BUCKET", "docpipeline"),
		RedisAddr:      envutil.String("REDIS_ADDR", ""),
		AlertEmailFrom: envutil.String("ALERT_EMAIL_FROM", ""),
		AlertSMSFrom:   envutil.String("ALERT_SMS_FROM", ""),
	}
}
