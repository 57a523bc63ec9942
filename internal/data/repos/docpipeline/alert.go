package docpipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

type AlertRepo interface {
	Enqueue(dbc dbctx.Context, item *types.AlertQueueItem) (*types.AlertQueueItem, error)
	ListPendingByType(dbc dbctx.Context, alertType string, window time.Duration) ([]*types.AlertQueueItem, error)
	MarkStatus(dbc dbctx.Context, ids []uuid.UUID, status string) error
	GetConfiguration(dbc dbctx.Context, alertType string) (*types.AlertConfiguration, error)
	ListConfigurations(dbc dbctx.Context) ([]*types.AlertConfiguration, error)
	DeleteOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type alertRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAlertRepo(db *gorm.DB, baseLog *logger.Logger) AlertRepo {
	return &alertRepo{
		db:  db,
		log: baseLog.With("repo", "AlertRepo"),
	}
}

func (r *alertRepo) Enqueue(dbc dbctx.Context, item *types.AlertQueueItem) (*types.AlertQueueItem, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

func (r *alertRepo) ListPendingByType(dbc dbctx.Context, alertType string, window time.Duration) ([]*types.AlertQueueItem, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	since := time.Now().Add(-window)
	var out []*types.AlertQueueItem
	err := transaction.WithContext(dbc.Ctx).
		Where("alert_type = ? AND status = ? AND created_at >= ?", alertType, "pending", since).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *alertRepo) MarkStatus(dbc dbctx.Context, ids []uuid.UUID, status string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{"status": status}
	switch status {
	case "aggregated":
		updates["processed_at"] = now
	case "sent":
		updates["sent_at"] = now
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.AlertQueueItem{}).
		Where("id IN ?", ids).
		Updates(updates).Error
}

func (r *alertRepo) GetConfiguration(dbc dbctx.Context, alertType string) (*types.AlertConfiguration, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var cfg types.AlertConfiguration
	err := transaction.WithContext(dbc.Ctx).Where("alert_type = ?", alertType).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DeleteOlderThan backs the 24h retention sweep over resolved alert queue items: only items
// that already reached a terminal status (sent, or suppressed/aggregated away) are eligible,
// so a pending alert never disappears out from under the aggregator.
func (r *alertRepo) DeleteOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("status IN ? AND created_at < ?", []string{"sent", "aggregated"}, cutoff).
		Delete(&types.AlertQueueItem{})
	return res.RowsAffected, res.Error
}

func (r *alertRepo) ListConfigurations(dbc dbctx.Context) ([]*types.AlertConfiguration, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AlertConfiguration
	if err := transaction.WithContext(dbc.Ctx).Where("enabled = ?", true).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
