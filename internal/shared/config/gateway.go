package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// GatewayConfig configures cmd/gateway
type GatewayConfig struct {
	Common
	Discovery

	// Listeners
	WSAddr        string `env:"WS_ADDR" envDefault:":3002"`
	GRPCAddr      string `env:"GRPC_ADDR" envDefault:":7200"`
	AdvertiseAddr string `env:"ADVERTISE_ADDR" envDefault:"localhost:7200"` // host:port dispatchers dial

	// Handshake
	JWTSecret      string `env:"JWT_SECRET"`
	DeviceIDHeader string `env:"DEVICE_ID_HEADER" envDefault:"X-Device-Id"`

	// Session
	IdleTimeout  time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`

	// Admission control
	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	ConnRateLimit      bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnIPBurst        int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnIPRate         float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnGlobalBurst    int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate     float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Presence publishing
	RedisAddr   string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"24h"`
}

// LoadGatewayConfig reads configuration from .env file and environment variables
func LoadGatewayConfig(logger *zerolog.Logger) (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	if err := load(cfg, logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *GatewayConfig) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if err := c.Discovery.Validate(); err != nil {
		return err
	}

	if c.WSAddr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.GRPCAddr == "" {
		return fmt.Errorf("GRPC_ADDR is required")
	}
	if c.AdvertiseAddr == "" {
		return fmt.Errorf("ADVERTISE_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DeviceIDHeader == "" {
		return fmt.Errorf("DEVICE_ID_HEADER is required")
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("WS_IDLE_TIMEOUT must be > 0, got %s", c.IdleTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WS_WRITE_TIMEOUT must be > 0, got %s", c.WriteTimeout)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.PresenceTTL < time.Minute {
		return fmt.Errorf("PRESENCE_TTL must be >= 1m, got %s", c.PresenceTTL)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
func (c *GatewayConfig) Print() {
	fmt.Println("=== Gateway Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("WebSocket:       %s\n", c.WSAddr)
	fmt.Printf("Push RPC:        %s (advertised %s)\n", c.GRPCAddr, c.AdvertiseAddr)
	fmt.Printf("Device Header:   %s\n", c.DeviceIDHeader)
	fmt.Println("\n=== Sessions ===")
	fmt.Printf("Idle Timeout:    %s\n", c.IdleTimeout)
	fmt.Printf("Write Timeout:   %s\n", c.WriteTimeout)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Printf("CPU Reject:      %.1f%%\n", c.CPURejectThreshold)
	fmt.Println("\n=== Discovery / Presence ===")
	fmt.Printf("NATS:            %s\n", c.NATSURL)
	fmt.Printf("Bucket:          %s (ttl %s)\n", c.Bucket, c.TTL)
	fmt.Printf("Redis:           %s (ttl %s)\n", c.RedisAddr, c.PresenceTTL)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *GatewayConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("ws_addr", c.WSAddr).
		Str("grpc_addr", c.GRPCAddr).
		Str("advertise_addr", c.AdvertiseAddr).
		Str("device_id_header", c.DeviceIDHeader).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("write_timeout", c.WriteTimeout).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Bool("conn_rate_limit", c.ConnRateLimit).
		Str("nats_url", c.NATSURL).
		Str("discovery_bucket", c.Bucket).
		Dur("discovery_ttl", c.TTL).
		Str("redis_addr", c.RedisAddr).
		Dur("presence_ttl", c.PresenceTTL).
		Msg("Gateway configuration loaded")
}
