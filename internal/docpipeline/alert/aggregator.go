package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/envutil"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// maxExamplesPerDispatch bounds how many representative items a single dispatch embeds,
// per spec §4.5 step 2 ("representative examples, bounded, e.g. 10").
const maxExamplesPerDispatch = 10

// ConfigResolver is the narrow surface the aggregator needs from docpipeline's bounded-TTL
// AlertConfigCache, kept here to avoid an import cycle with the docpipeline package.
type ConfigResolver interface {
	Resolve(alertType string) (cfg AlertConfig, ok bool)
}

// AlertConfig mirrors docpipeline.AlertConfig's shape; duplicated rather than imported to keep
// this package's only docpipeline dependency at the repo layer.
type AlertConfig struct {
	Threshold         int
	TimeWindowMinutes int
	Channels          []ChannelHandle
	Recipients        []string
	Enabled           bool
}

// ChannelHandle is an opaque per-channel destination, e.g. {Kind: "email", To: "oncall@..."}.
type ChannelHandle struct {
	Kind string `json:"kind"`
	To   string `json:"to"`
}

// Dispatcher sends one aggregated notification to a channel. Implemented by channels.go's
// EmailDispatcher/SMSDispatcher and composed in MultiDispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel ChannelHandle, dispatch Dispatch) error
}

// Dispatch is the payload handed to a Dispatcher for one aggregated notification.
type Dispatch struct {
	AlertType   string
	Severity    string
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
	Examples    []Example
	Recipients  []string
}

// Example is a bounded representative sample of the alerts being aggregated.
type Example struct {
	Title   string
	Message string
}

// knownAlertTypes is the fixed list of alert_type values the aggregator sweeps each tick. Tick
// skips a listed type whose AlertConfiguration is missing or disabled; an AlertConfiguration
// for a type not in this list is never evaluated.
var knownAlertTypes = []string{
	"stage_failed",
	"lock_contention",
}

// Aggregator is the background consumer side of the Alert Service (C5). One tick evaluates the
// enabled AlertConfiguration of each type in knownAlertTypes and dispatches when the pending
// count within its configured window reaches the threshold, per spec §4.5's aggregation algorithm.
type Aggregator struct {
	repo       docrepo.AlertRepo
	configs    ConfigResolver
	dispatcher Dispatcher
	log        *logger.Logger
	interval   time.Duration
}

func NewAggregator(repo docrepo.AlertRepo, configs ConfigResolver, dispatcher Dispatcher, baseLog *logger.Logger) *Aggregator {
	periodSeconds := envutil.Int("DOCPIPELINE_ALERT_AGGREGATOR_PERIOD_SECONDS", 60)
	if periodSeconds > 60 {
		periodSeconds = 60
	}
	return &Aggregator{
		repo:       repo,
		configs:    configs,
		dispatcher: dispatcher,
		log:        baseLog.With("component", "AlertAggregator"),
		interval:   time.Duration(periodSeconds) * time.Second,
	}
}

// Run starts the aggregator's tick loop; it ticks no less often than once per minute per spec
// §4.5 ("a background aggregator runs on a period no longer than 60s").
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil && a.log != nil {
				a.log.Warn("alert aggregator tick failed", "error", err)
			}
		}
	}
}

// Tick evaluates every known alert type with an enabled configuration, dispatching and marking
// items "sent"/"failed" as appropriate, and leaving under-threshold items "pending" for the
// next tick to re-evaluate (spec §4.5 step 4).
func (a *Aggregator) Tick(ctx context.Context) error {
	for _, alertType := range knownAlertTypes {
		if err := a.tickOne(ctx, alertType); err != nil {
			if a.log != nil {
				a.log.Warn("alert aggregation failed for type", "alert_type", alertType, "error", err)
			}
		}
	}
	return nil
}

func (a *Aggregator) tickOne(ctx context.Context, alertType string) error {
	cfg, ok := a.configs.Resolve(alertType)
	if !ok || !cfg.Enabled {
		return nil
	}
	window := time.Duration(cfg.TimeWindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}

	dbc := dbctx.Context{Ctx: ctx}
	pending, err := a.repo.ListPendingByType(dbc, alertType, window)
	if err != nil {
		return fmt.Errorf("alert: list pending: %w", err)
	}
	if len(pending) < cfg.Threshold {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(pending))
	examples := make([]Example, 0, maxExamplesPerDispatch)
	var windowStart, windowEnd time.Time
	for i, item := range pending {
		ids = append(ids, item.ID)
		if i < maxExamplesPerDispatch {
			examples = append(examples, Example{Title: item.Title, Message: item.Message})
		}
		if windowStart.IsZero() || item.CreatedAt.Before(windowStart) {
			windowStart = item.CreatedAt
		}
		if item.CreatedAt.After(windowEnd) {
			windowEnd = item.CreatedAt
		}
	}

	if err := a.repo.MarkStatus(dbc, ids, "aggregated"); err != nil {
		return fmt.Errorf("alert: mark aggregated: %w", err)
	}

	dispatch := Dispatch{
		AlertType:   alertType,
		Count:       len(pending),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Examples:    examples,
		Recipients:  cfg.Recipients,
	}
	if len(pending) > 0 {
		dispatch.Severity = pending[len(pending)-1].Severity
	}

	sendErr := a.sendToChannels(ctx, cfg.Channels, dispatch)
	if sendErr != nil {
		// Never surface dispatch failure back to producers (spec §4.5 step 3); mark failed and
		// let the next tick's fresh pending set carry on.
		if a.log != nil {
			a.log.Warn("alert dispatch failed", "alert_type", alertType, "error", sendErr)
		}
		return a.repo.MarkStatus(dbc, ids, "failed")
	}
	return a.repo.MarkStatus(dbc, ids, "sent")
}

func (a *Aggregator) sendToChannels(ctx context.Context, channels []ChannelHandle, dispatch Dispatch) error {
	if a.dispatcher == nil || len(channels) == 0 {
		return nil
	}
	var firstErr error
	for _, ch := range channels {
		if err := a.dispatcher.Dispatch(ctx, ch, dispatch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func marshalMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
