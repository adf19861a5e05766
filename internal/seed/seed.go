package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/fleetform/fleetform/internal/account/domain"
	"gorm.io/gorm"
)

const (
	defaultAccountEmail = "dev@fleetform.dev"
	defaultCustomerRef  = "cus_local_dev"
)

// EnsureDefaultAccount seeds one local account so the management API is
// usable without a billing provider. Development bootstrap only.
func EnsureDefaultAccount(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing accountdomain.Account
		err := tx.WithContext(ctx).
			Where("billing_customer_ref = ?", defaultCustomerRef).
			First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ref := defaultCustomerRef
		now := time.Now().UTC()
		return tx.WithContext(ctx).Create(&accountdomain.Account{
			ID:                 node.Generate(),
			BillingCustomerRef: &ref,
			Email:              defaultAccountEmail,
			CreatedAt:          now,
			UpdatedAt:          now,
		}).Error
	})
}
