package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StatusUpdate carries the optional column changes applied together with a
// guarded status transition.
type StatusUpdate struct {
	URL               *string
	LastError         *string
	ClearLastError    bool
	HealthCheckedAt   *time.Time
	DestroyAfter      *time.Time
	ClearDestroyAfter bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, instance *Instance) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Instance, error)
	// FindLiveBySubscription returns the subscription's non-terminal
	// instance, or nil.
	FindLiveBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Instance, error)
	// TransitionStatus performs a conditional status update: the row moves
	// to `to` only when its current status is one of `from`. Returns false
	// when the guard rejects the write.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []InstanceStatus, to InstanceStatus, update StatusUpdate) (bool, error)
	UpdateQuota(ctx context.Context, db *gorm.DB, id snowflake.ID, instance *Instance) error
	TouchHealthCheck(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// LockNonTerminalForWork fetches a batch of non-terminal rows with
	// FOR UPDATE SKIP LOCKED; concurrent reconciler passes never double-work
	// an instance.
	LockNonTerminalForWork(ctx context.Context, tx *gorm.DB, limit int) ([]*Instance, error)
	CountByStatus(ctx context.Context, db *gorm.DB) (map[InstanceStatus]int, error)
}
