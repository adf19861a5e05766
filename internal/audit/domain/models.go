package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AuditLog records one management action against a target resource.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id,string"`
	Actor      string            `gorm:"size:128" json:"actor"`
	Action     string            `gorm:"size:64;index" json:"action"`
	TargetType string            `gorm:"size:32;index" json:"target_type"`
	TargetID   *string           `gorm:"size:64;index" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
