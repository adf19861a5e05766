package subscription

import (
	"github.com/fleetform/fleetform/internal/subscription/repository"
	"github.com/fleetform/fleetform/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
