package docpipeline

import (
	"errors"

	"gorm.io/gorm"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

type RetryPolicyRepo interface {
	// Resolve returns the most specific applicable policy: an exact (service,stage) match wins
	// over a (service, NULL) service-wide default.
	Resolve(dbc dbctx.Context, serviceName, stageName string) (*types.RetryPolicyRow, error)
	ListAll(dbc dbctx.Context) ([]*types.RetryPolicyRow, error)
}

type retryPolicyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRetryPolicyRepo(db *gorm.DB, baseLog *logger.Logger) RetryPolicyRepo {
	return &retryPolicyRepo{
		db:  db,
		log: baseLog.With("repo", "RetryPolicyRepo"),
	}
}

func (r *retryPolicyRepo) Resolve(dbc dbctx.Context, serviceName, stageName string) (*types.RetryPolicyRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var specific types.RetryPolicyRow
	err := transaction.WithContext(dbc.Ctx).
		Where("service_name = ? AND stage_name = ?", serviceName, stageName).
		First(&specific).Error
	if err == nil {
		return &specific, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var fallback types.RetryPolicyRow
	err = transaction.WithContext(dbc.Ctx).
		Where("service_name = ? AND stage_name IS NULL", serviceName).
		First(&fallback).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fallback, nil
}

func (r *retryPolicyRepo) ListAll(dbc dbctx.Context) ([]*types.RetryPolicyRow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RetryPolicyRow
	if err := transaction.WithContext(dbc.Ctx).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
