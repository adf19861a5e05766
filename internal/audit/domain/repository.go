package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, log *AuditLog) error
	ListRecent(ctx context.Context, db *gorm.DB, limit int) ([]*AuditLog, error)
}
