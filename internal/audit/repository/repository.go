package repository

import (
	"context"

	domain "github.com/fleetform/fleetform/internal/audit/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

func Provide() domain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, log *domain.AuditLog) error {
	return db.WithContext(ctx).Create(log).Error
}

func (r *repositoryImpl) ListRecent(ctx context.Context, db *gorm.DB, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []*domain.AuditLog
	err := db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
