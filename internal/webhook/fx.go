package webhook

import (
	"github.com/fleetform/fleetform/internal/config"
	"github.com/fleetform/fleetform/internal/webhook/adapters/stripe"
	domain "github.com/fleetform/fleetform/internal/webhook/domain"
	"github.com/fleetform/fleetform/internal/webhook/repository"
	"github.com/fleetform/fleetform/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(
		newRegistry,
		repository.Provide,
		service.New,
	),
)

func newRegistry(cfg config.Config) *domain.Registry {
	return domain.NewRegistry(
		stripe.New(cfg.StripeWebhookSecret),
	)
}
