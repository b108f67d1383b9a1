package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// PresenceConfig configures cmd/presence
type PresenceConfig struct {
	Common

	GRPCAddr  string `env:"GRPC_ADDR" envDefault:":7100"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
}

// LoadPresenceConfig reads configuration from .env file and environment variables
func LoadPresenceConfig(logger *zerolog.Logger) (*PresenceConfig, error) {
	cfg := &PresenceConfig{}
	if err := load(cfg, logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *PresenceConfig) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if c.GRPCAddr == "" {
		return fmt.Errorf("GRPC_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	return nil
}

// Print logs configuration for debugging (human-readable format)
func (c *PresenceConfig) Print() {
	fmt.Println("=== Presence Configuration ===")
	fmt.Printf("Environment: %s\n", c.Environment)
	fmt.Printf("RPC:         %s\n", c.GRPCAddr)
	fmt.Printf("Redis:       %s\n", c.RedisAddr)
	fmt.Printf("Metrics:     %s\n", c.MetricsAddr)
	fmt.Printf("Log:         %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("==============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *PresenceConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("grpc_addr", c.GRPCAddr).
		Str("redis_addr", c.RedisAddr).
		Str("log_level", c.LogLevel).
		Msg("Presence configuration loaded")
}
