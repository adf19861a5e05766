package observability

import (
	"github.com/fleetform/fleetform/internal/config"
	"github.com/fleetform/fleetform/internal/observability/logger"
	"github.com/fleetform/fleetform/internal/observability/metrics"
	"github.com/fleetform/fleetform/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	logger.Module,
	fx.Provide(func(cfg config.Config) tracing.Config {
		return tracing.Config{
			Enabled:          cfg.TracingEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.ServiceVersion,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.TracingEndpoint,
			ExporterProtocol: cfg.TracingProtocol,
			SamplingRatio:    cfg.SamplingRatio,
		}
	}),
	fx.Invoke(tracing.NewProvider),
	fx.Provide(func(cfg config.Config) metrics.Config {
		return metrics.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
		}
	}),
	fx.Provide(func() metric.MeterProvider {
		return otel.GetMeterProvider()
	}),
	fx.Provide(metrics.NewHTTPMetrics),
	fx.Provide(metrics.ReconcileWithConfig),
)
