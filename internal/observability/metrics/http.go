package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics instruments the management API and webhook endpoint. Endpoint
// labels come from the gin route template, never the raw path, so cardinality
// stays bounded.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	inFlight        metric.Int64UpDownCounter
}

func NewHTTPMetrics(cfg Config, provider metric.MeterProvider) (*HTTPMetrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "fleetform"
	}
	meter := provider.Meter(name + "/http")

	requestDuration, err := meter.Float64Histogram("http.server.duration_ms")
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("http.server.in_flight")
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{requestDuration: requestDuration, inFlight: inFlight}, nil
}

// GinMiddleware records per-request duration and in-flight gauge updates.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		ctx := c.Request.Context()
		endpointAttrs := metric.WithAttributes(FilterAttributes(attribute.String("endpoint", endpoint))...)

		m.inFlight.Add(ctx, 1, endpointAttrs)
		start := time.Now()
		c.Next()
		m.inFlight.Add(ctx, -1, endpointAttrs)

		m.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(FilterAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status_code", strconv.Itoa(c.Writer.Status())),
		)...))
	}
}
