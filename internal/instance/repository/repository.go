package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/fleetform/fleetform/internal/instance/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

// Provide builds the instance repository.
func Provide() domain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, instance *domain.Instance) error {
	return db.WithContext(ctx).Create(instance).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Instance, error) {
	var instance domain.Instance
	err := db.WithContext(ctx).First(&instance, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *repositoryImpl) FindLiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.Instance, error) {
	var instance domain.Instance
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND status <> ?", subscriptionID, domain.StatusDestroyed).
		Order("created_at DESC").
		First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *repositoryImpl) TransitionStatus(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from []domain.InstanceStatus,
	to domain.InstanceStatus,
	update domain.StatusUpdate,
) (bool, error) {
	now := time.Now().UTC()
	sets := map[string]any{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if update.URL != nil {
		sets["url"] = *update.URL
	}
	if update.LastError != nil {
		sets["last_error"] = *update.LastError
	}
	if update.ClearLastError {
		sets["last_error"] = nil
	}
	if update.HealthCheckedAt != nil {
		sets["last_health_check_at"] = *update.HealthCheckedAt
	}
	if update.DestroyAfter != nil {
		sets["destroy_after"] = *update.DestroyAfter
	}
	if update.ClearDestroyAfter {
		sets["destroy_after"] = nil
	}

	result := db.WithContext(ctx).
		Model(&domain.Instance{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(sets)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) UpdateQuota(ctx context.Context, db *gorm.DB, id snowflake.ID, instance *domain.Instance) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.Instance{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"max_agents":              instance.MaxAgents,
			"max_messages_per_period": instance.MaxMessagesPerPeriod,
			"storage_quota_mb":        instance.StorageQuotaMB,
			"cpu_milli":               instance.CPUMilli,
			"memory_mb":               instance.MemoryMB,
			"version":                 gorm.Expr("version + 1"),
			"updated_at":              now,
		}).Error
}

func (r *repositoryImpl) TouchHealthCheck(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Instance{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_health_check_at": at,
			"updated_at":           at,
		}).Error
}

func (r *repositoryImpl) LockNonTerminalForWork(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	var instances []*domain.Instance
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM instances
		 WHERE status <> ?
		 ORDER BY id
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		domain.StatusDestroyed,
		limit,
	).Scan(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func (r *repositoryImpl) CountByStatus(ctx context.Context, db *gorm.DB) (map[domain.InstanceStatus]int, error) {
	var rows []struct {
		Status domain.InstanceStatus
		Total  int
	}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS total
		 FROM instances
		 GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.InstanceStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
