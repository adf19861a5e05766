package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Outcome records how processing of one provider event ended.
type Outcome string

const (
	OutcomeReceived  Outcome = "received"
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// ProcessedEvent is the idempotency ledger row for one provider event. The
// (provider, provider_event_id) pair is unique: a redelivered event hits the
// constraint instead of being processed twice.
type ProcessedEvent struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	Provider        string       `gorm:"not null;uniqueIndex:ux_processed_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string       `gorm:"not null;uniqueIndex:ux_processed_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string       `gorm:"not null" json:"event_type"`
	Outcome         Outcome      `gorm:"type:text;not null" json:"outcome"`
	Error           *string      `json:"error,omitempty"`
	ReceivedAt      time.Time    `gorm:"not null" json:"received_at"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (ProcessedEvent) TableName() string { return "processed_events" }
