package reconciler

import (
	"context"

	appconfig "github.com/fleetform/fleetform/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler",
	fx.Provide(newConfig),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func newConfig(cfg appconfig.Config) Config {
	return Config{
		BatchSize:            cfg.ReconcileBatchSize,
		PollInterval:         cfg.ReconcileInterval,
		ItemTimeout:          cfg.ReconcileItemTimeout,
		DeprovisionStaleness: cfg.DeprovisionStaleness,
		WorkloadImage:        cfg.WorkloadImage,
		WorkloadDomain:       cfg.WorkloadDomain,
	}
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	// The OnStart context is scoped to startup; the loop needs its own.
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go worker.RunForever(loopCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
