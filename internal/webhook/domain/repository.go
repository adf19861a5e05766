package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert claims the event. Returns false when another delivery of the
	// same (provider, provider_event_id) already holds the ledger row.
	Insert(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error)
	Find(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*ProcessedEvent, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, errMsg *string, at time.Time) error
}
