package kubernetes

import (
	"github.com/fleetform/fleetform/internal/cluster"
	"go.uber.org/fx"
)

var Module = fx.Module("cluster.kubernetes",
	fx.Provide(fx.Annotate(New, fx.As(new(cluster.Orchestrator)))),
)
