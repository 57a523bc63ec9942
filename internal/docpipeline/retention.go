package docpipeline

import (
	"context"
	"time"

	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/envutil"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// RetentionSweeper periodically removes terminal-state bookkeeping rows older than its horizon:
// sent/aggregated alert queue items and resolved/failed pipeline errors. Completion markers are
// deliberately NOT swept: a marker must live as long as its stage is completed, or the
// marker-iff-completed invariant breaks. Grounded on the same ticker-goroutine shape as
// Sweeper; kept as a separate type since the two run on independent horizons and neither
// depends on the other's result.
type RetentionSweeper struct {
	alerts  docrepo.AlertRepo
	errors  docrepo.PipelineErrorRepo
	log     *logger.Logger
	horizon time.Duration
	tick    time.Duration
}

// NewRetentionSweeper reads DOCPIPELINE_RETENTION_HORIZON_HOURS (default 24) and ticks hourly.
func NewRetentionSweeper(alerts docrepo.AlertRepo, errors docrepo.PipelineErrorRepo, baseLog *logger.Logger) *RetentionSweeper {
	hours := envutil.Int("DOCPIPELINE_RETENTION_HORIZON_HOURS", 24)
	return &RetentionSweeper{
		alerts:  alerts,
		errors:  errors,
		log:     baseLog.With("component", "RetentionSweeper"),
		horizon: time.Duration(hours) * time.Hour,
		tick:    time.Hour,
	}
}

// Run ticks until ctx is cancelled, sweeping once per tick.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes every terminal-state row older than the configured horizon. Each repo is swept
// independently; a failure on one does not block the others.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	cutoff := time.Now().Add(-s.horizon)

	if n, err := s.alerts.DeleteOlderThan(dbc, cutoff); err != nil {
		if s.log != nil {
			s.log.Warn("retention sweep: alerts failed", "error", err)
		}
	} else if n > 0 && s.log != nil {
		s.log.Info("retention sweep: alerts purged", "count", n)
	}

	if n, err := s.errors.DeleteOlderThan(dbc, cutoff); err != nil {
		if s.log != nil {
			s.log.Warn("retention sweep: pipeline errors failed", "error", err)
		}
	} else if n > 0 && s.log != nil {
		s.log.Info("retention sweep: pipeline errors purged", "count", n)
	}
}
