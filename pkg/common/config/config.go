package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-driven setting of the server.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"debug"`
	Port     string `env:"PORT" envDefault:"8080"`

	// SQLitePath is the party database file.
	SQLitePath string `env:"SQLITE_PATH" envDefault:"./party.db"`

	// CallbackSecret signs the bearer tokens sent by the chat gateway.
	CallbackSecret string `env:"CALLBACK_SECRET"`
	// GatewayJWKSURL, when set, also accepts tokens signed by the gateway's published keys.
	GatewayJWKSURL string `env:"GATEWAY_JWKS_URL"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	GateWaitTimeout time.Duration `env:"GATE_WAIT_TIMEOUT" envDefault:"10s"`

	MaxCapacity   int           `env:"MAX_CAPACITY" envDefault:"200"`
	MaxNameLength int           `env:"MAX_NAME_LENGTH" envDefault:"50"`
	MaxLifetime   time.Duration `env:"MAX_LIFETIME" envDefault:"168h"`

	// WebhookURL receives roster changes for rendering. Empty disables it.
	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required")
	}
	if c.MaxCapacity < 1 {
		return fmt.Errorf("MAX_CAPACITY must be >= 1, got %d", c.MaxCapacity)
	}
	if c.MaxNameLength < 1 {
		return fmt.Errorf("MAX_NAME_LENGTH must be >= 1, got %d", c.MaxNameLength)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.MaxLifetime <= 0 {
		return fmt.Errorf("MAX_LIFETIME must be positive, got %s", c.MaxLifetime)
	}
	return nil
}
