package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fleetform/fleetform/internal/account/domain"
	domain "github.com/fleetform/fleetform/internal/subscription/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

// Provide builds the subscription repository.
func Provide() domain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) FindAccountByBillingRef(ctx context.Context, db *gorm.DB, ref string) (*accountdomain.Account, error) {
	var acct accountdomain.Account
	err := db.WithContext(ctx).First(&acct, "billing_customer_ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *repositoryImpl) InsertAccount(ctx context.Context, db *gorm.DB, acct *accountdomain.Account) error {
	return db.WithContext(ctx).Create(acct).Error
}

func (r *repositoryImpl) FindByBillingRef(ctx context.Context, db *gorm.DB, ref string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).First(&sub, "billing_subscription_ref = ?", ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repositoryImpl) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repositoryImpl) UpdateVersioned(ctx context.Context, db *gorm.DB, sub *domain.Subscription, readVersion int64) (bool, error) {
	now := time.Now().UTC()
	result := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, readVersion).
		Updates(map[string]any{
			"status":                  sub.Status,
			"tier":                    sub.Tier,
			"max_agents":              sub.MaxAgents,
			"max_messages_per_period": sub.MaxMessagesPerPeriod,
			"storage_quota_mb":        sub.StorageQuotaMB,
			"cpu_milli":               sub.CPUMilli,
			"memory_mb":               sub.MemoryMB,
			"trial_end":               sub.TrialEnd,
			"current_period_end":      sub.CurrentPeriodEnd,
			"cancel_at":               sub.CancelAt,
			"past_due_since":          sub.PastDueSince,
			"version":                 readVersion + 1,
			"updated_at":              now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	sub.Version = readVersion + 1
	sub.UpdatedAt = now
	return true, nil
}
