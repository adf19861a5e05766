package logger

import (
	"context"

	"github.com/fleetform/fleetform/internal/config"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("observability.logger",
	fx.Provide(NewLogger),
)

// NewLogger builds the process-wide zap logger and installs it globally.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zcfg.DisableStacktrace = true

	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("service", cfg.ServiceName))
	zap.ReplaceGlobals(log)
	return log, nil
}

// FromContext returns the global logger enriched with the active trace and
// span identifiers when the context carries a sampled span.
func FromContext(ctx context.Context) *zap.Logger {
	log := zap.L()
	if ctx == nil {
		return log
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
