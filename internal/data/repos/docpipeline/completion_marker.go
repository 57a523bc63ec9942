package docpipeline

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

type CompletionMarkerRepo interface {
	Get(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error)
	Upsert(dbc dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error)
	Delete(dbc dbctx.Context, documentID uuid.UUID, stageName string) error
	ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.CompletionMarker, error)
}

type completionMarkerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompletionMarkerRepo(db *gorm.DB, baseLog *logger.Logger) CompletionMarkerRepo {
	return &completionMarkerRepo{
		db:  db,
		log: baseLog.With("repo", "CompletionMarkerRepo"),
	}
}

func (r *completionMarkerRepo) Get(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var m types.CompletionMarker
	err := transaction.WithContext(dbc.Ctx).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Upsert is the only write path for completion markers: a stage succeeding for a document
// either creates the marker or overwrites the prior data_hash when it re-executed with changed
// input. The unique index on (document_id, stage_name) makes this a single round trip.
func (r *completionMarkerRepo) Upsert(dbc dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "stage_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data_hash", "metadata", "completed_at", "updated_at"}),
		}).
		Create(marker).Error
	if err != nil {
		return nil, err
	}
	return marker, nil
}

func (r *completionMarkerRepo) Delete(dbc dbctx.Context, documentID uuid.UUID, stageName string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		Delete(&types.CompletionMarker{}).Error
}

// ListByDocument returns every marker for one document, used by the orchestrator to seed
// prerequisite hashes into each stage's declared input.
func (r *completionMarkerRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.CompletionMarker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.CompletionMarker
	err := transaction.WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
