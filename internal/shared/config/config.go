package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Common holds the settings every binary shares
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Common struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Discovery holds the coordination-service settings shared by the gateway
// (which registers itself) and the dispatcher (which watches registrations)
type Discovery struct {
	NATSURL string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	Bucket  string        `env:"DISCOVERY_BUCKET" envDefault:"pushline-gateways"`
	TTL     time.Duration `env:"DISCOVERY_TTL" envDefault:"15s"`
}

// Validate checks the common settings
func (c *Common) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Validate checks the discovery settings
func (d *Discovery) Validate() error {
	if d.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}
	if d.Bucket == "" {
		return fmt.Errorf("DISCOVERY_BUCKET is required")
	}
	if d.TTL < time.Second {
		return fmt.Errorf("DISCOVERY_TTL must be >= 1s, got %s", d.TTL)
	}
	return nil
}

type validator interface {
	Validate() error
}

// load reads .env (optional) and then the environment into cfg.
// Priority: ENV vars > .env file > defaults
func load(cfg validator, logger *zerolog.Logger) error {
	// In production we use environment variables directly; .env is a
	// development convenience.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return nil
}

// SplitList splits a comma-separated setting, dropping blanks
func SplitList(list string) []string {
	result := []string{}
	for _, item := range strings.Split(list, ",") {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
