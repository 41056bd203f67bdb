package config

import "os"

const (
	defaultNATSURL     = "nats://localhost:4222"
	defaultRedisURL    = "redis://localhost:6379"
	defaultHTTPAddr    = ":8081"
	defaultMetricsAddr = ":9092"
	defaultPolicyPath  = "config/policy.yaml"

	envNATSURL     = "NATS_URL"
	envRedisURL    = "REDIS_URL"
	envHTTPAddr    = "PROCDEF_HTTP_ADDR"
	envMetricsAddr = "PROCDEF_METRICS_ADDR"
	envPolicyPath  = "PROCDEF_POLICY_PATH"
)

// Config holds runtime configuration for the definition service.
type Config struct {
	NatsURL     string
	RedisURL    string
	HTTPAddr    string
	MetricsAddr string
	PolicyPath  string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:     envOr(envNATSURL, defaultNATSURL),
		RedisURL:    envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:    envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr: envOr(envMetricsAddr, defaultMetricsAddr),
		PolicyPath:  envOr(envPolicyPath, defaultPolicyPath),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
