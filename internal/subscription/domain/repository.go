package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fleetform/fleetform/internal/account/domain"
	"gorm.io/gorm"
)

type Repository interface {
	FindAccountByBillingRef(ctx context.Context, db *gorm.DB, ref string) (*accountdomain.Account, error)
	InsertAccount(ctx context.Context, db *gorm.DB, acct *accountdomain.Account) error

	FindByBillingRef(ctx context.Context, db *gorm.DB, ref string) (*Subscription, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// UpdateVersioned writes the row guarded by the version it was read at.
	// Returns false when a concurrent writer advanced the row first.
	UpdateVersioned(ctx context.Context, db *gorm.DB, sub *Subscription, readVersion int64) (bool, error)
}
