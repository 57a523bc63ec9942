package docpipeline

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error)
	UpdateStageStatus(dbc dbctx.Context, id uuid.UUID, stageName string, status string) error
	GetStageStatuses(dbc dbctx.Context, id uuid.UUID) (map[string]string, error)
	ListStaleInProgress(dbc dbctx.Context, olderThan time.Duration) ([]*types.Document, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentRepo"),
	}
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if doc.StageStatus == nil {
		doc.StageStatus = []byte("{}")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var doc types.Document
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpdateStageStatus merges a single stage's status into the document's stage_status JSONB
// column without clobbering concurrent writes to other stages. Postgres's jsonb_set handles
// the merge atomically inside the UPDATE.
func (r *documentRepo) UpdateStageStatus(dbc dbctx.Context, id uuid.UUID, stageName string, status string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || stageName == "" {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stage_status": gorm.Expr("jsonb_set(stage_status, ?, to_jsonb(?::text), true)", "{"+stageName+"}", status),
			"updated_at":   time.Now(),
		}).Error
}

func (r *documentRepo) GetStageStatuses(dbc dbctx.Context, id uuid.UUID) (map[string]string, error) {
	doc, err := r.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	out := map[string]string{}
	if len(doc.StageStatus) > 0 {
		if err := json.Unmarshal(doc.StageStatus, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListStaleInProgress supports the recovery sweep: documents whose updated_at has not moved in
// longer than olderThan while any stage sits at in_progress are candidates for requeue.
func (r *documentRepo) ListStaleInProgress(dbc dbctx.Context, olderThan time.Duration) ([]*types.Document, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	cutoff := time.Now().Add(-olderThan)
	var out []*types.Document
	err := transaction.WithContext(dbc.Ctx).
		Where("updated_at < ? AND stage_status::text LIKE ?", cutoff, `%"in_progress"%`).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
