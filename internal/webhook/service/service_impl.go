package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetform/fleetform/internal/clock"
	subscriptiondomain "github.com/fleetform/fleetform/internal/subscription/domain"
	domain "github.com/fleetform/fleetform/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	GenID         *snowflake.Node
	Registry      *domain.Registry
	Repository    domain.Repository
	Subscriptions subscriptiondomain.Service
	Clock         clock.Clock
	Logger        *zap.Logger
}

type serviceImpl struct {
	db            *gorm.DB
	genID         *snowflake.Node
	registry      *domain.Registry
	repository    domain.Repository
	subscriptions subscriptiondomain.Service
	clock         clock.Clock
	logger        *zap.Logger
}

func New(p Params) domain.Service {
	return &serviceImpl{
		db:            p.DB,
		genID:         p.GenID,
		registry:      p.Registry,
		repository:    p.Repository,
		subscriptions: p.Subscriptions,
		clock:         p.Clock,
		logger:        p.Logger.Named("webhook"),
	}
}

func (s *serviceImpl) Handle(ctx context.Context, provider string, payload []byte, signatureHeader string) error {
	adapter, ok := s.registry.Get(provider)
	if !ok {
		return domain.ErrUnknownProvider
	}

	event, err := adapter.Parse(payload, signatureHeader)
	if err != nil {
		return err
	}

	ledger := &domain.ProcessedEvent{
		ID:              s.genID.Generate(),
		Provider:        adapter.Provider(),
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Outcome:         domain.OutcomeReceived,
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repository.Insert(ctx, s.db, ledger)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := s.repository.Find(ctx, s.db, adapter.Provider(), event.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		// Failed events are retried on redelivery; everything else is a
		// duplicate and gets acked without reprocessing.
		if existing.Outcome != domain.OutcomeFailed {
			s.logger.Info("duplicate delivery acked",
				zap.String("provider", adapter.Provider()),
				zap.String("provider_event_id", event.ID),
				zap.String("outcome", string(existing.Outcome)),
			)
			return nil
		}
		ledger = existing
	}

	if event.Normalized == nil {
		s.logger.Debug("ignoring unhandled event type",
			zap.String("provider", adapter.Provider()),
			zap.String("event_type", event.Type),
		)
		return s.repository.MarkOutcome(ctx, s.db, ledger.ID, domain.OutcomeIgnored, nil, s.clock.Now())
	}

	if _, err := s.subscriptions.Apply(ctx, *event.Normalized); err != nil {
		message := err.Error()
		if markErr := s.repository.MarkOutcome(ctx, s.db, ledger.ID, domain.OutcomeFailed, &message, s.clock.Now()); markErr != nil {
			s.logger.Error("failed to record event failure",
				zap.String("provider_event_id", event.ID), zap.Error(markErr))
		}
		s.logger.Error("event processing failed",
			zap.String("provider", adapter.Provider()),
			zap.String("provider_event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return err
	}

	return s.repository.MarkOutcome(ctx, s.db, ledger.ID, domain.OutcomeProcessed, nil, s.clock.Now())
}
