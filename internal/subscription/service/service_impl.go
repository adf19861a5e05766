package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/clock"
	"github.com/fleetform/fleetform/internal/config"
	"github.com/fleetform/fleetform/internal/events"
	instancedomain "github.com/fleetform/fleetform/internal/instance/domain"
	domain "github.com/fleetform/fleetform/internal/subscription/domain"
	"github.com/fleetform/fleetform/internal/tier"

	accountdomain "github.com/fleetform/fleetform/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const casAttempts = 3

type Params struct {
	fx.In

	Config       config.Config
	DB           *gorm.DB
	GenID        *snowflake.Node
	Repository   domain.Repository
	InstanceRepo instancedomain.Repository
	Instances    instancedomain.Service
	Outbox       *events.Outbox
	Clock        clock.Clock
	Logger       *zap.Logger
}

type serviceImpl struct {
	cfg          config.Config
	db           *gorm.DB
	genID        *snowflake.Node
	repository   domain.Repository
	instanceRepo instancedomain.Repository
	instances    instancedomain.Service
	outbox       *events.Outbox
	clock        clock.Clock
	logger       *zap.Logger
}

func New(p Params) domain.Service {
	return &serviceImpl{
		cfg:          p.Config,
		db:           p.DB,
		genID:        p.GenID,
		repository:   p.Repository,
		instanceRepo: p.InstanceRepo,
		instances:    p.Instances,
		outbox:       p.Outbox,
		clock:        p.Clock,
		logger:       p.Logger.Named("subscription"),
	}
}

func (s *serviceImpl) Apply(ctx context.Context, event domain.Event) (*domain.Result, error) {
	ref := strings.TrimSpace(event.BillingSubscriptionRef)
	if ref == "" {
		return nil, domain.ErrMissingSubscriptionRef
	}

	sub, err := s.repository.FindByBillingRef(ctx, s.db, ref)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		if event.Type != domain.EventSubscriptionCreated && event.Type != domain.EventSubscriptionUpdated {
			// Out-of-order delivery: an invoice event arrived before the
			// subscription object. The provider retries created/updated, so
			// skipping here loses nothing.
			s.logger.Info("skipping event for unknown subscription",
				zap.String("event_type", string(event.Type)),
				zap.String("billing_subscription_ref", ref),
			)
			return &domain.Result{Skipped: true}, nil
		}
		sub, err = s.create(ctx, event)
		if err != nil {
			return nil, err
		}
	}

	var (
		result  *domain.Result
		applied bool
	)
	for attempt := 0; attempt < casAttempts && !applied; attempt++ {
		if attempt > 0 {
			sub, err = s.repository.FindByBillingRef(ctx, s.db, ref)
			if err != nil {
				return nil, err
			}
			if sub == nil {
				return nil, domain.ErrConcurrentUpdate
			}
		}

		live, err := s.instanceRepo.FindLiveBySubscription(ctx, s.db, sub.ID)
		if err != nil {
			return nil, err
		}

		in := domain.TransitionInput{
			Current:            sub.Status,
			CurrentTier:        sub.Tier,
			Event:              event,
			HasLiveInstance:    live != nil,
			InstanceQuotaStale: live != nil && live.Quota() != sub.Quota(),
			GraceExpired:       s.graceExpired(sub),
		}
		next, intents := domain.Transition(in)

		previous := sub.Status
		readVersion := sub.Version
		s.mutate(sub, event, next)

		ok, err := s.repository.UpdateVersioned(ctx, s.db, sub, readVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		applied = true

		if previous != sub.Status {
			s.publishStatusChange(ctx, sub, previous)
		}
		result = &domain.Result{
			Subscription: sub,
			Previous:     previous,
			Intents:      intents,
		}
		if err := s.execute(ctx, sub, live, intents); err != nil {
			return result, err
		}
	}
	if !applied {
		return nil, domain.ErrConcurrentUpdate
	}
	return result, nil
}

// create materializes the first row for a billing subscription, creating the
// owning account when the customer is new.
func (s *serviceImpl) create(ctx context.Context, event domain.Event) (*domain.Subscription, error) {
	targetTier := event.Tier
	if targetTier == "" {
		targetTier = tier.TierFree
	}
	quota, err := tier.Resolve(targetTier)
	if err != nil {
		return nil, err
	}

	acct, err := s.ensureAccount(ctx, event)
	if err != nil {
		return nil, err
	}

	status := event.ProviderStatus
	if status == "" {
		status = domain.StatusIncomplete
	}

	now := s.clock.Now()
	sub := &domain.Subscription{
		ID:                     s.genID.Generate(),
		AccountID:              acct.ID,
		BillingSubscriptionRef: event.BillingSubscriptionRef,
		Tier:                   targetTier,
		Status:                 status,
		TrialEnd:               event.TrialEnd,
		CurrentPeriodEnd:       event.CurrentPeriodEnd,
		CancelAt:               event.CancelAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	sub.SetQuota(quota)
	if err := s.repository.Insert(ctx, s.db, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *serviceImpl) ensureAccount(ctx context.Context, event domain.Event) (*accountdomain.Account, error) {
	ref := strings.TrimSpace(event.BillingCustomerRef)
	if ref != "" {
		acct, err := s.repository.FindAccountByBillingRef(ctx, s.db, ref)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			return acct, nil
		}
	}

	now := s.clock.Now()
	acct := &accountdomain.Account{
		ID:        s.genID.Generate(),
		Email:     event.CustomerEmail,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ref != "" {
		acct.BillingCustomerRef = &ref
	}
	if err := s.repository.InsertAccount(ctx, s.db, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// mutate folds the event and the computed next status into the row.
func (s *serviceImpl) mutate(sub *domain.Subscription, event domain.Event, next domain.SubscriptionStatus) {
	if event.Tier != "" && event.Tier != sub.Tier {
		if quota, err := tier.Resolve(event.Tier); err == nil {
			sub.Tier = event.Tier
			sub.SetQuota(quota)
		}
	}
	if event.TrialEnd != nil {
		sub.TrialEnd = event.TrialEnd
	}
	if event.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = event.CurrentPeriodEnd
	}
	if event.CancelAt != nil {
		sub.CancelAt = event.CancelAt
	}

	switch {
	case next == domain.StatusPastDue && sub.PastDueSince == nil:
		at := event.OccurredAt
		if at.IsZero() {
			at = s.clock.Now()
		}
		sub.PastDueSince = &at
	case next != domain.StatusPastDue:
		sub.PastDueSince = nil
	}
	sub.Status = next
}

func (s *serviceImpl) graceExpired(sub *domain.Subscription) bool {
	if sub.PastDueSince == nil {
		return false
	}
	return s.clock.Now().Sub(*sub.PastDueSince) >= s.cfg.PastDueGracePeriod
}

// execute performs the side effects the transition asked for.
func (s *serviceImpl) execute(ctx context.Context, sub *domain.Subscription, live *instancedomain.Instance, intents []domain.Intent) error {
	for _, intent := range intents {
		var err error
		switch intent.Kind {
		case domain.IntentProvision:
			targetTier := intent.Tier
			if targetTier == "" {
				targetTier = sub.Tier
			}
			_, err = s.instances.Provision(ctx, instancedomain.ProvisionRequest{
				SubscriptionID: sub.ID,
				Tier:           targetTier,
			})
		case domain.IntentResize:
			if live == nil {
				continue
			}
			_, err = s.instances.Resize(ctx, live.ID, intent.Tier)
		case domain.IntentSuspend:
			if live == nil {
				continue
			}
			_, err = s.instances.Stop(ctx, live.ID)
		case domain.IntentScheduleDestroy:
			if live == nil {
				continue
			}
			err = s.instances.ScheduleDestroy(ctx, live.ID, intent.DestroyAt)
		case domain.IntentReactivate:
			if live == nil {
				continue
			}
			_, err = s.instances.Reactivate(ctx, live.ID)
		default:
			s.logger.Warn("unknown intent", zap.String("kind", string(intent.Kind)))
			continue
		}
		if err != nil {
			return fmt.Errorf("intent %s: %w", intent.Kind, err)
		}
	}
	return nil
}

func (s *serviceImpl) publishStatusChange(ctx context.Context, sub *domain.Subscription, previous domain.SubscriptionStatus) {
	payload := events.SubscriptionStatusPayload{
		SubscriptionID: sub.ID.String(),
		AccountID:      sub.AccountID.String(),
		FromStatus:     string(previous),
		ToStatus:       string(sub.Status),
	}
	err := s.outbox.Publish(ctx, events.Event{
		Type:      events.EventSubscriptionStatusChanged,
		Payload:   payload.ToMap(),
		DedupeKey: sub.BillingSubscriptionRef + ":" + string(sub.Status) + ":" + strconv.FormatInt(sub.Version, 10),
	})
	if err != nil {
		s.logger.Warn("status change publish failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}
