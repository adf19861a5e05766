package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is one paying customer. Rows are never deleted, only anonymized.
type Account struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	BillingCustomerRef *string      `gorm:"uniqueIndex" json:"billing_customer_ref,omitempty"`
	Email              string       `gorm:"type:text;not null" json:"email"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }
