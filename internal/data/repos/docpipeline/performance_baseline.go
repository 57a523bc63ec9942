package docpipeline

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

type PerformanceBaselineRepo interface {
	Upsert(dbc dbctx.Context, baseline *types.PerformanceBaseline) (*types.PerformanceBaseline, error)
	Get(dbc dbctx.Context, testName, documentName, revisionID string) (*types.PerformanceBaseline, error)
	ListByTest(dbc dbctx.Context, testName string) ([]*types.PerformanceBaseline, error)
}

type performanceBaselineRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPerformanceBaselineRepo(db *gorm.DB, baseLog *logger.Logger) PerformanceBaselineRepo {
	return &performanceBaselineRepo{
		db:  db,
		log: baseLog.With("repo", "PerformanceBaselineRepo"),
	}
}

func (r *performanceBaselineRepo) Upsert(dbc dbctx.Context, baseline *types.PerformanceBaseline) (*types.PerformanceBaseline, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "test_name"}, {Name: "document_name"}, {Name: "revision_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"environment", "metrics", "recorded_at", "updated_at"}),
		}).
		Create(baseline).Error
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

func (r *performanceBaselineRepo) Get(dbc dbctx.Context, testName, documentName, revisionID string) (*types.PerformanceBaseline, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var b types.PerformanceBaseline
	err := transaction.WithContext(dbc.Ctx).
		Where("test_name = ? AND document_name = ? AND revision_id = ?", testName, documentName, revisionID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *performanceBaselineRepo) ListByTest(dbc dbctx.Context, testName string) ([]*types.PerformanceBaseline, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PerformanceBaseline
	err := transaction.WithContext(dbc.Ctx).
		Where("test_name = ?", testName).
		Order("recorded_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
