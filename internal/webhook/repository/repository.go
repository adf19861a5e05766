package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/fleetform/fleetform/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryImpl struct{}

// Provide builds the processed-events ledger repository.
func Provide() domain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, event *domain.ProcessedEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) Find(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.ProcessedEvent, error) {
	var event domain.ProcessedEvent
	err := db.WithContext(ctx).
		First(&event, "provider = ? AND provider_event_id = ?", provider, providerEventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repositoryImpl) MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Outcome, errMsg *string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.ProcessedEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"outcome":      outcome,
			"error":        errMsg,
			"processed_at": at,
		}).Error
}
