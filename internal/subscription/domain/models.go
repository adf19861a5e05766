package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/tier"
)

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCancelled  SubscriptionStatus = "cancelled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// Statuses lists every subscription status, in lifecycle order.
var Statuses = []SubscriptionStatus{
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusCancelled,
	StatusIncomplete,
}

// Subscription is one active-or-historical billing subscription. A cancelled
// row is never reused: a resubscribe creates a fresh row.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey" json:"id"`
	AccountID              snowflake.ID       `gorm:"not null;index" json:"account_id"`
	BillingSubscriptionRef string             `gorm:"not null;uniqueIndex" json:"billing_subscription_ref"`
	Tier                   tier.Tier          `gorm:"type:text;not null" json:"tier"`
	Status                 SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`

	// Quota snapshot taken from the tier policy at assignment time. A later
	// tier change flows through a resize intent, not through this snapshot.
	MaxAgents            int   `gorm:"not null;default:0" json:"max_agents"`
	MaxMessagesPerPeriod int64 `gorm:"not null;default:0" json:"max_messages_per_period"`
	StorageQuotaMB       int64 `gorm:"not null;default:0" json:"storage_quota_mb"`
	CPUMilli             int64 `gorm:"not null;default:0" json:"cpu_milli"`
	MemoryMB             int64 `gorm:"not null;default:0" json:"memory_mb"`

	TrialEnd         *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	// CancelAt is set while a subscription is pending cancellation but still
	// active; distinct from Status == cancelled.
	CancelAt     *time.Time `json:"cancel_at,omitempty"`
	PastDueSince *time.Time `json:"past_due_since,omitempty"`

	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SetQuota copies a resolved tier quota onto the snapshot columns.
func (s *Subscription) SetQuota(q tier.Quota) {
	s.MaxAgents = q.MaxAgents
	s.MaxMessagesPerPeriod = q.MaxMessagesPerPeriod
	s.StorageQuotaMB = q.StorageQuotaMB
	s.CPUMilli = q.CPUMilli
	s.MemoryMB = q.MemoryMB
}

// Quota returns the snapshotted quota.
func (s *Subscription) Quota() tier.Quota {
	return tier.Quota{
		MaxAgents:            s.MaxAgents,
		MaxMessagesPerPeriod: s.MaxMessagesPerPeriod,
		StorageQuotaMB:       s.StorageQuotaMB,
		CPUMilli:             s.CPUMilli,
		MemoryMB:             s.MemoryMB,
	}
}
