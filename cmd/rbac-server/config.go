package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the server process.
type Config struct {
	Env          string        `envconfig:"RBAC_ENV" default:"development"`
	Addr         string        `envconfig:"RBAC_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"RBAC_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RBAC_WRITE_TIMEOUT" default:"10s"`
	ShutdownWait time.Duration `envconfig:"RBAC_SHUTDOWN_WAIT" default:"10s"`

	LogFormat string `envconfig:"RBAC_LOG_FORMAT" default:"json"`

	StoreDriver  string        `envconfig:"RBAC_STORE" default:"memory"`
	DSN          string        `envconfig:"RBAC_DSN" default:"file:rbac.db?_pragma=busy_timeout(5000)"`
	RedisAddr    string        `envconfig:"RBAC_REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPrefix  string        `envconfig:"RBAC_REDIS_PREFIX" default:"rbac:"`
	StoreTimeout time.Duration `envconfig:"RBAC_STORE_TIMEOUT" default:"100ms"`
	SQLAudit     bool          `envconfig:"RBAC_SQL_AUDIT" default:"true"`

	ConfigFile string `envconfig:"RBAC_CONFIG_FILE"`

	RateLimit  int           `envconfig:"RBAC_RATE_LIMIT" default:"0"`
	RateWindow time.Duration `envconfig:"RBAC_RATE_WINDOW" default:"1m"`
	AdminGuard bool          `envconfig:"RBAC_ADMIN_GUARD" default:"true"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	switch cfg.StoreDriver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	if cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive, got %s", cfg.StoreTimeout)
	}
	return &cfg, nil
}

// IsProduction returns true when the server runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}
