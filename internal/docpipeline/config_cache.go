package docpipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	"github.com/yungbote/docforge-backend/internal/docpipeline/alert"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/envutil"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// RetryPolicy is the in-memory, resolved form of a docrepo.RetryPolicyRow: the cache's read
// path, never touched by callers directly (spec §5: "Callers MUST NOT pass hard-coded
// delays").
type RetryPolicy struct {
	MaxRetries        int
	InitialDelayMs    int
	MaxDelayMs        int
	BackoffMultiplier float64
	TimeoutMs         int
}

var defaultRetryPolicy = RetryPolicy{
	MaxRetries:        3,
	InitialDelayMs:    1000,
	MaxDelayMs:        60000,
	BackoffMultiplier: 2,
	TimeoutMs:         30000,
}

// AlertConfig is the in-memory, resolved form of a docrepo.AlertConfiguration row. Aliased to
// docpipeline/alert's own type so AlertConfigCache satisfies alert.ConfigResolver directly,
// without a conversion shim at the orchestrator wiring site.
type AlertConfig = alert.AlertConfig

// AlertChannelHandle is an opaque per-channel destination, e.g. {Kind: "email", To:
// "oncall@example.com"}.
type AlertChannelHandle = alert.ChannelHandle

// policySnapshot and alertSnapshot are the atomically-swapped cache contents. Reads are
// lock-free (atomic.Value.Load); the single writer (refresh loop) does an atomic.Value.Store,
// matching spec §5's "reads are lock-free, writes use atomic swap" requirement exactly.
type policySnapshot struct {
	bySvcStage map[string]RetryPolicy
	byService  map[string]RetryPolicy
}

type alertSnapshot struct {
	byType map[string]AlertConfig
}

// PolicyCache is the process-wide, bounded-TTL cache for RetryPolicy rows (spec §3: "cached
// with a bounded TTL, design choice: <= 60s").
type PolicyCache struct {
	repo  docrepo.RetryPolicyRepo
	db    *gorm.DB
	log   *logger.Logger
	ttl   time.Duration
	value atomic.Value // holds *policySnapshot
}

func NewPolicyCache(db *gorm.DB, repo docrepo.RetryPolicyRepo, baseLog *logger.Logger) *PolicyCache {
	ttlSeconds := envutil.Int("DOCPIPELINE_CONFIG_CACHE_TTL_SECONDS", 60)
	if ttlSeconds > 60 {
		ttlSeconds = 60
	}
	c := &PolicyCache{
		repo: repo,
		db:   db,
		log:  baseLog.With("component", "PolicyCache"),
		ttl:  time.Duration(ttlSeconds) * time.Second,
	}
	c.value.Store(&policySnapshot{bySvcStage: map[string]RetryPolicy{}, byService: map[string]RetryPolicy{}})
	return c
}

// Resolve returns the most specific policy for (serviceName, stageName), defaulting to the
// stable package default when neither the relational store nor the cache has one.
func (c *PolicyCache) Resolve(serviceName, stageName string) RetryPolicy {
	snap := c.value.Load().(*policySnapshot)
	if p, ok := snap.bySvcStage[serviceName+"/"+stageName]; ok {
		return p
	}
	if p, ok := snap.byService[serviceName]; ok {
		return p
	}
	return defaultRetryPolicy
}

// Refresh reloads every RetryPolicy row and atomically swaps the snapshot. Call on a ticker no
// longer than the configured TTL, and on receipt of a distributed invalidation broadcast.
func (c *PolicyCache) Refresh(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx, Tx: c.db}
	rows, err := c.repo.ListAll(dbc)
	if err != nil {
		return err
	}
	next := &policySnapshot{bySvcStage: map[string]RetryPolicy{}, byService: map[string]RetryPolicy{}}
	for _, row := range rows {
		p := RetryPolicy{
			MaxRetries:        row.MaxRetries,
			InitialDelayMs:    row.InitialDelayMs,
			MaxDelayMs:        row.MaxDelayMs,
			BackoffMultiplier: row.BackoffMultiplier,
			TimeoutMs:         row.TimeoutMs,
		}
		if row.StageName != nil {
			next.bySvcStage[row.ServiceName+"/"+*row.StageName] = p
		} else {
			next.byService[row.ServiceName] = p
		}
	}
	c.value.Store(next)
	return nil
}

// Run starts the periodic refresh loop; returns when ctx is cancelled.
func (c *PolicyCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && c.log != nil {
				c.log.Warn("policy cache refresh failed", "error", err)
			}
		}
	}
}

// AlertConfigCache is the analogous bounded-TTL cache for AlertConfiguration rows.
type AlertConfigCache struct {
	repo  docrepo.AlertRepo
	db    *gorm.DB
	log   *logger.Logger
	ttl   time.Duration
	value atomic.Value // holds *alertSnapshot
}

func NewAlertConfigCache(db *gorm.DB, repo docrepo.AlertRepo, baseLog *logger.Logger) *AlertConfigCache {
	ttlSeconds := envutil.Int("DOCPIPELINE_CONFIG_CACHE_TTL_SECONDS", 60)
	if ttlSeconds > 60 {
		ttlSeconds = 60
	}
	c := &AlertConfigCache{
		repo: repo,
		db:   db,
		log:  baseLog.With("component", "AlertConfigCache"),
		ttl:  time.Duration(ttlSeconds) * time.Second,
	}
	c.value.Store(&alertSnapshot{byType: map[string]AlertConfig{}})
	return c
}

func (c *AlertConfigCache) Resolve(alertType string) (AlertConfig, bool) {
	snap := c.value.Load().(*alertSnapshot)
	cfg, ok := snap.byType[alertType]
	return cfg, ok
}

func (c *AlertConfigCache) Refresh(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx, Tx: c.db}
	rows, err := c.repo.ListConfigurations(dbc)
	if err != nil {
		return err
	}
	next := &alertSnapshot{byType: map[string]AlertConfig{}}
	for _, row := range rows {
		var channels []AlertChannelHandle
		if len(row.Channels) > 0 {
			_ = json.Unmarshal(row.Channels, &channels)
		}
		var recipients []string
		if len(row.Recipients) > 0 {
			_ = json.Unmarshal(row.Recipients, &recipients)
		}
		next.byType[row.AlertType] = AlertConfig{
			Threshold:         row.Threshold,
			TimeWindowMinutes: row.TimeWindowMinutes,
			Channels:          channels,
			Recipients:        recipients,
			Enabled:           row.Enabled,
		}
	}
	c.value.Store(next)
	return nil
}

func (c *AlertConfigCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && c.log != nil {
				c.log.Warn("alert config cache refresh failed", "error", err)
			}
		}
	}
}

// CacheInvalidationBus broadcasts a config-changed signal across orchestrator processes so
// every node's bounded-TTL cache can refresh early instead of waiting out the full TTL,
// reusing teacher's clients/redis SSE pub/sub mechanics for a different payload.
type CacheInvalidationBus struct {
	rdb     *goredis.Client
	channel string
	log     *logger.Logger
}

func NewCacheInvalidationBus(addr, channel string, baseLog *logger.Logger) *CacheInvalidationBus {
	if channel == "" {
		channel = "docpipeline_config_invalidate"
	}
	return &CacheInvalidationBus{
		rdb:     goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second}),
		channel: channel,
		log:     baseLog.With("component", "CacheInvalidationBus"),
	}
}

type invalidationMessage struct {
	Kind string `json:"kind"` // "retry_policy" | "alert_configuration"
}

func (b *CacheInvalidationBus) Publish(ctx context.Context, kind string) error {
	raw, err := json.Marshal(invalidationMessage{Kind: kind})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Subscribe drives refresh on the two caches whenever an invalidation message matching their
// kind arrives.
func (b *CacheInvalidationBus) Subscribe(ctx context.Context, policies *PolicyCache, alerts *AlertConfigCache) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg invalidationMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					if b.log != nil {
						b.log.Warn("bad config invalidation payload", "error", err)
					}
					continue
				}
				switch msg.Kind {
				case "retry_policy":
					if policies != nil {
						_ = policies.Refresh(ctx)
					}
				case "alert_configuration":
					if alerts != nil {
						_ = alerts.Refresh(ctx)
					}
				}
			}
		}
	}()
}
