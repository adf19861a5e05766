package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/tier"
)

// InstanceStatus is the lifecycle state of a provisioned workload.
type InstanceStatus string

const (
	StatusProvisioning   InstanceStatus = "provisioning"
	StatusRunning        InstanceStatus = "running"
	StatusStopped        InstanceStatus = "stopped"
	StatusFailed         InstanceStatus = "failed"
	StatusDeprovisioning InstanceStatus = "deprovisioning"
	StatusDestroyed      InstanceStatus = "destroyed"
)

// NonTerminalStatuses are the states an instance can still be operated in.
var NonTerminalStatuses = []InstanceStatus{
	StatusProvisioning,
	StatusRunning,
	StatusStopped,
	StatusFailed,
	StatusDeprovisioning,
}

// Terminal reports whether no further lifecycle operation is valid.
func (s InstanceStatus) Terminal() bool { return s == StatusDestroyed }

// Instance is one provisioned customer deployment. Rows are retained after
// destroy for audit; Status is the only terminal marker.
type Instance struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID   `gorm:"not null;index" json:"subscription_id"`
	WorkloadName   string         `gorm:"not null;uniqueIndex" json:"workload_name"`
	Status         InstanceStatus `gorm:"type:text;not null;index" json:"status"`
	URL            string         `gorm:"type:text;not null;default:''" json:"url"`

	// Resource limits copied from the subscription at provision time. A
	// later tier change arrives as an explicit resize, not a live lookup.
	MaxAgents            int   `gorm:"not null;default:0" json:"max_agents"`
	MaxMessagesPerPeriod int64 `gorm:"not null;default:0" json:"max_messages_per_period"`
	StorageQuotaMB       int64 `gorm:"not null;default:0" json:"storage_quota_mb"`
	CPUMilli             int64 `gorm:"not null;default:0" json:"cpu_milli"`
	MemoryMB             int64 `gorm:"not null;default:0" json:"memory_mb"`

	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	// DestroyAfter schedules a deferred uninstall (cancellation at period
	// end). The reconciler executes it.
	DestroyAfter *time.Time `json:"destroy_after,omitempty"`

	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Instance) TableName() string { return "instances" }

// SetQuota copies a resolved tier quota onto the limit columns.
func (i *Instance) SetQuota(q tier.Quota) {
	i.MaxAgents = q.MaxAgents
	i.MaxMessagesPerPeriod = q.MaxMessagesPerPeriod
	i.StorageQuotaMB = q.StorageQuotaMB
	i.CPUMilli = q.CPUMilli
	i.MemoryMB = q.MemoryMB
}

// Quota returns the copied limits.
func (i *Instance) Quota() tier.Quota {
	return tier.Quota{
		MaxAgents:            i.MaxAgents,
		MaxMessagesPerPeriod: i.MaxMessagesPerPeriod,
		StorageQuotaMB:       i.StorageQuotaMB,
		CPUMilli:             i.CPUMilli,
		MemoryMB:             i.MemoryMB,
	}
}
