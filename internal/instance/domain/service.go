package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/tier"
)

// ProvisionRequest asks for a workload serving one subscription. ExistingID
// re-provisions a known instance instead of minting a new one.
type ProvisionRequest struct {
	SubscriptionID snowflake.ID
	Tier           tier.Tier
	ExistingID     *snowflake.ID
}

// Service is the instance lifecycle orchestrator. Every operation is
// idempotent against retries; state-guarded writes reject stale transitions.
type Service interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Instance, error)
	Start(ctx context.Context, id snowflake.ID) (*Instance, error)
	Stop(ctx context.Context, id snowflake.ID) (*Instance, error)
	Restart(ctx context.Context, id snowflake.ID) (*Instance, error)
	Resize(ctx context.Context, id snowflake.ID, to tier.Tier) (*Instance, error)
	// Uninstall is asynchronous: the row enters deprovisioning and the
	// destroyed terminal state is confirmed once the cluster delete lands.
	Uninstall(ctx context.Context, id snowflake.ID) error
	ScheduleDestroy(ctx context.Context, id snowflake.ID, at *time.Time) error
	// Reactivate clears a pending scheduled destroy and brings a stopped
	// workload back up. Used when a delinquent subscription recovers.
	Reactivate(ctx context.Context, id snowflake.ID) (*Instance, error)
	Get(ctx context.Context, id snowflake.ID) (*Instance, error)
}

var (
	ErrInstanceNotFound  = errors.New("instance_not_found")
	ErrInstanceDestroyed = errors.New("instance_destroyed")
	ErrStaleState        = errors.New("stale_state")
	ErrProvisioningBusy  = errors.New("provisioning_in_progress")
)
