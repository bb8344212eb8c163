package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the stream service.
// Environment variables are automatically parsed from the PULSEMAP_ prefix.
type Config struct {
	// Build target selects high-level environment: local, cloud-dev, cloud
	BuildTarget string `envconfig:"BUILD_TARGET" default:"cloud-dev"`

	// SubscriptionStore selects the durable subscription store driver.
	// "auto" derives it from BuildTarget (sqlite for local, redis otherwise).
	SubscriptionStore string `envconfig:"SUBSCRIPTION_STORE" default:"auto"`

	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Redis (durable key/set store and cross-instance backbone)
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Postgres event catalog used to rehydrate the spatial index at startup.
	// Empty DSN means cold start.
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// SQLite path for the local subscription store.
	SQLitePath string `envconfig:"SQLITE_PATH" default:""`

	// Channel the upstream pipeline publishes event mutations on.
	IngestChannel string `envconfig:"INGEST_CHANNEL" default:"events:mutations"`

	// Upstream pipeline health endpoint (optional).
	UpstreamHealthURL string `envconfig:"UPSTREAM_HEALTH_URL" default:""`

	// Health checking cadence
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"3"`

	// Per-connection outbound buffer; a full buffer drops the message.
	WriteBufferSize int `envconfig:"WRITE_BUFFER_SIZE" default:"256"`
}

// ResolveDefaults validates BuildTarget and derives SubscriptionStore when set
// to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	var defaultStore string

	switch c.BuildTarget {
	case "local":
		defaultStore = "sqlite"
	case "cloud-dev", "cloud":
		defaultStore = "redis"
	default:
		return fmt.Errorf("unsupported BUILD_TARGET: %s", c.BuildTarget)
	}

	if c.SubscriptionStore == "" || c.SubscriptionStore == "auto" {
		c.SubscriptionStore = defaultStore
	}
	if c.SubscriptionStore == "sqlite" && c.SQLitePath == "" {
		c.SQLitePath = "pulsemap.db"
	}

	allowed := map[string]bool{"redis": true, "sqlite": true}
	if !allowed[c.SubscriptionStore] {
		return fmt.Errorf("unsupported SUBSCRIPTION_STORE: %s", c.SubscriptionStore)
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Environment variables should be prefixed with PULSEMAP_
// Example: PULSEMAP_REDIS_ADDR, PULSEMAP_HTTP_PORT
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("PULSEMAP", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("build_target", cfg.BuildTarget).
		Str("subscription_store", cfg.SubscriptionStore).
		Str("environment", string(cfg.Environment)).
		Int("port", cfg.HTTPPort).
		Str("redis_addr", cfg.RedisAddr).
		Str("ingest_channel", cfg.IngestChannel).
		Str("postgres_dsn_present", func() string {
			if cfg.PostgresDSN != "" {
				return "true"
			}
			return "false"
		}()).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	cfg := &Config{
		Environment:               EnvTesting,
		BuildTarget:               "local",
		SubscriptionStore:         "sqlite",
		SQLitePath:                ":memory:",
		HTTPPort:                  8080,
		RedisAddr:                 "localhost:6379",
		IngestChannel:             "events:mutations",
		HealthIntervalSeconds:     30,
		HealthProbeTimeoutSeconds: 3,
		WriteBufferSize:           256,
	}
	return cfg
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
