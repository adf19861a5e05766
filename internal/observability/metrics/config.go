package metrics

// Config identifies the service on emitted metrics.
type Config struct {
	ServiceName string
	Environment string
}
