package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime setting the service reads from the environment.
type Config struct {
	Environment string
	HTTPAddr    string

	DatabaseURL string

	ManagementToken string

	StripeWebhookSecret string

	// PastDueGracePeriod is how long a subscription may sit in past_due
	// before a suspend intent is emitted. Business parameter, not a constant.
	PastDueGracePeriod time.Duration

	WorkloadImage     string
	WorkloadNamespace string
	WorkloadDomain    string
	KubeconfigPath    string

	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	ReconcileItemTimeout time.Duration
	DeprovisionStaleness time.Duration

	ClusterCallTimeout time.Duration

	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	TracingEnabled     bool
	TracingEndpoint    string
	TracingProtocol    string
	SamplingRatio      float64
	ServiceName        string
	ServiceVersion     string
	SeedDefaultAccount bool
}

// Load reads configuration from the environment. A .env file is honored in
// non-production environments when present.
func Load() (Config, error) {
	env := strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	if env == "" {
		env = "development"
	}
	if env != "production" {
		_ = godotenv.Load()
	}

	cfg := Config{
		Environment:          env,
		HTTPAddr:             envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ManagementToken:      strings.TrimSpace(os.Getenv("MANAGEMENT_TOKEN")),
		StripeWebhookSecret:  strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		WorkloadImage:        envOr("WORKLOAD_IMAGE", "fleetform/agent-runtime:stable"),
		WorkloadNamespace:    envOr("WORKLOAD_NAMESPACE", "tenants"),
		WorkloadDomain:       envOr("WORKLOAD_DOMAIN", "instances.fleetform.dev"),
		KubeconfigPath:       strings.TrimSpace(os.Getenv("KUBECONFIG")),
		TracingEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TracingProtocol:      envOr("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		ServiceName:          envOr("SERVICE_NAME", "fleetform"),
		ServiceVersion:       envOr("SERVICE_VERSION", "dev"),
	}

	var err error
	if cfg.PastDueGracePeriod, err = envDuration("PASTDUE_GRACE_PERIOD", 72*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = envDuration("RECONCILE_INTERVAL", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileItemTimeout, err = envDuration("RECONCILE_ITEM_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DeprovisionStaleness, err = envDuration("DEPROVISION_STALENESS", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ClusterCallTimeout, err = envDuration("CLUSTER_CALL_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRateWindow, err = envDuration("WEBHOOK_RATE_WINDOW", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileBatchSize, err = envInt("RECONCILE_BATCH_SIZE", 50); err != nil {
		return Config{}, err
	}
	if cfg.WebhookRateLimit, err = envInt("WEBHOOK_RATE_LIMIT", 300); err != nil {
		return Config{}, err
	}
	if cfg.SamplingRatio, err = envFloat("OTEL_SAMPLING_RATIO", 0.1); err != nil {
		return Config{}, err
	}
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.SeedDefaultAccount = envBool("SEED_DEFAULT_ACCOUNT", env != "production")

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func envInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func envFloat(key string, fallback float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(value, 64)
}

func envBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	return value == "1" || value == "true" || value == "yes"
}
