package audit

import (
	"github.com/fleetform/fleetform/internal/audit/repository"
	"github.com/fleetform/fleetform/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
