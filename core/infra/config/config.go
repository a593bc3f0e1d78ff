package config

import "os"

const (
	defaultRedisURL     = "redis://localhost:6379"
	defaultHTTPAddr     = ":8080"
	defaultMetricsAddr  = ":9090"
	defaultLimitsConfig = "config/limits.yaml"

	envRedisURL         = "REDIS_URL"
	envNATSURL          = "NATS_URL"
	envHTTPAddr         = "PLANLOCK_HTTP_ADDR"
	envMetricsAddr      = "PLANLOCK_METRICS_ADDR"
	envLimitsConfigPath = "LIMITS_CONFIG_PATH"
	envSeedDemoData     = "PLANLOCK_SEED_DEMO"
)

// Config holds runtime configuration for the lock coordination server.
type Config struct {
	RedisURL         string
	NatsURL          string
	HTTPAddr         string
	MetricsAddr      string
	LimitsConfigPath string
	SeedDemoData     bool
}

// Load returns configuration using environment variables with sane defaults.
// NatsURL stays empty unless set; the NATS relay is optional.
func Load() *Config {
	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	httpAddr := os.Getenv(envHTTPAddr)
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}

	metricsAddr := os.Getenv(envMetricsAddr)
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}

	limitsPath := os.Getenv(envLimitsConfigPath)
	if limitsPath == "" {
		limitsPath = defaultLimitsConfig
	}

	return &Config{
		RedisURL:         redisURL,
		NatsURL:          os.Getenv(envNATSURL),
		HTTPAddr:         httpAddr,
		MetricsAddr:      metricsAddr,
		LimitsConfigPath: limitsPath,
		SeedDemoData:     os.Getenv(envSeedDemoData) == "true",
	}
}
