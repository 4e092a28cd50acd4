// Package config loads server configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var errNoPrintKey = errors.New("config: PRINT_TOKEN_KEY must be set and at least 32 bytes")

// Config holds server configuration.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// DatabaseDriver selects the storage backend: "postgres" or "sqlite".
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"postgres://siteproof@localhost:5432/siteproof?sslmode=disable"`

	// PrintTokenKey signs print and export tokens. No default; the server
	// refuses to start without it.
	PrintTokenKey string        `env:"PRINT_TOKEN_KEY"`
	PrintTokenTTL time.Duration `env:"PRINT_TOKEN_TTL" envDefault:"5m"`

	// RateLimitRPS bounds per-client request rates on the API surface.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// VerifyInterval is how often the background integrity sweep runs.
	// Zero disables the sweep.
	VerifyInterval time.Duration `env:"VERIFY_INTERVAL" envDefault:"10m"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if len(cfg.PrintTokenKey) < 32 {
		return nil, errNoPrintKey
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("config: unknown DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	return cfg, nil
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
