package instance

import (
	"github.com/fleetform/fleetform/internal/instance/repository"
	"github.com/fleetform/fleetform/internal/instance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("instance",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
