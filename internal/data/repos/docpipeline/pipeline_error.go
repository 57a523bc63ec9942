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

type PipelineErrorRepo interface {
	Create(dbc dbctx.Context, perr *types.PipelineError) (*types.PipelineError, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineError, error)
	GetOpenByDocumentStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.PipelineError, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListDueForRetry(dbc dbctx.Context, before time.Time, limit int) ([]*types.PipelineError, error)
	ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.PipelineError, error)
	DeleteOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type pipelineErrorRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineErrorRepo(db *gorm.DB, baseLog *logger.Logger) PipelineErrorRepo {
	return &pipelineErrorRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineErrorRepo"),
	}
}

func (r *pipelineErrorRepo) Create(dbc dbctx.Context, perr *types.PipelineError) (*types.PipelineError, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(dbc.Ctx).Create(perr).Error; err != nil {
		return nil, err
	}
	return perr, nil
}

func (r *pipelineErrorRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineError, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var pe types.PipelineError
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&pe).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pe, nil
}

// GetOpenByDocumentStage returns the one non-terminal (pending/retrying) error for a
// (document, stage), or nil. The retry orchestrator keeps at most one such row open per
// failure episode: created on first failure, updated on every later attempt.
func (r *pipelineErrorRepo) GetOpenByDocumentStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.PipelineError, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var pe types.PipelineError
	err := transaction.WithContext(dbc.Ctx).
		Where("document_id = ? AND stage_name = ? AND status IN ?", documentID, stageName, []string{"pending", "retrying"}).
		Order("created_at DESC").
		First(&pe).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pe, nil
}

func (r *pipelineErrorRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.PipelineError{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListDueForRetry backs the async-retry poll: records in status "retrying" whose next_retry_at
// has elapsed, claimed in created_at order so older failures aren't starved by newer ones.
func (r *pipelineErrorRepo) ListDueForRetry(dbc dbctx.Context, before time.Time, limit int) ([]*types.PipelineError, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PipelineError
	q := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", "retrying", before).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineErrorRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.PipelineError, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PipelineError
	err := transaction.WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOlderThan backs the 24h retention sweep: only errors that reached a terminal status
// (resolved or failed past its retry budget) are eligible, so a record still mid-retry is never
// swept out from under the retry orchestrator.
func (r *pipelineErrorRepo) DeleteOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("status IN ? AND created_at < ?", []string{"resolved", "failed"}, cutoff).
		Delete(&types.PipelineError{})
	return res.RowsAffected, res.Error
}
