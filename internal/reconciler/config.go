package reconciler

import "time"

// Config controls the reconciliation loop.
type Config struct {
	BatchSize            int
	PollInterval         time.Duration
	ItemTimeout          time.Duration
	DeprovisionStaleness time.Duration

	// Workload settings used when re-creating a missing workload.
	WorkloadImage  string
	WorkloadDomain string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:            50,
		PollInterval:         60 * time.Second,
		ItemTimeout:          15 * time.Second,
		DeprovisionStaleness: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = defaults.ItemTimeout
	}
	if c.DeprovisionStaleness <= 0 {
		c.DeprovisionStaleness = defaults.DeprovisionStaleness
	}
	return c
}
