package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DispatcherConfig configures cmd/dispatcher
type DispatcherConfig struct {
	Common
	Discovery

	// Push topic consumption
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	ConsumerGroup string `env:"KAFKA_CONSUMER_GROUP" envDefault:"pushline-dispatcher"`
	PushTopic     string `env:"KAFKA_PUSH_TOPIC" envDefault:"pushline.push"`

	// Batch executor
	QueueCapacity int           `env:"BATCH_QUEUE_CAPACITY" envDefault:"4096"`
	WorkerCount   int           `env:"BATCH_WORKER_COUNT" envDefault:"8"`
	MaxBatchSize  int           `env:"BATCH_MAX_SIZE" envDefault:"100"`
	BatchTimeout  time.Duration `env:"BATCH_TIMEOUT" envDefault:"10ms"`
	MaxRestarts   int           `env:"BATCH_MAX_RESTARTS" envDefault:"5"`

	// Presence service
	PresenceAddr     string `env:"PRESENCE_ADDR" envDefault:"localhost:7100"`
	PresencePoolSize int    `env:"PRESENCE_POOL_SIZE" envDefault:"4"`

	// Gateway push RPC
	CallTimeout time.Duration `env:"RPC_CALL_TIMEOUT" envDefault:"5s"`
	MaxInFlight int           `env:"PUSH_MAX_INFLIGHT" envDefault:"16"`
}

// LoadDispatcherConfig reads configuration from .env file and environment variables
func LoadDispatcherConfig(logger *zerolog.Logger) (*DispatcherConfig, error) {
	cfg := &DispatcherConfig{}
	if err := load(cfg, logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *DispatcherConfig) Validate() error {
	if err := c.Common.Validate(); err != nil {
		return err
	}
	if err := c.Discovery.Validate(); err != nil {
		return err
	}

	if len(SplitList(c.KafkaBrokers)) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP is required")
	}
	if c.PushTopic == "" {
		return fmt.Errorf("KAFKA_PUSH_TOPIC is required")
	}

	if c.QueueCapacity < 1 {
		return fmt.Errorf("BATCH_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("BATCH_WORKER_COUNT must be > 0, got %d", c.WorkerCount)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("BATCH_TIMEOUT must be >= 0, got %s", c.BatchTimeout)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("BATCH_MAX_RESTARTS must be >= 0, got %d", c.MaxRestarts)
	}

	if c.PresenceAddr == "" {
		return fmt.Errorf("PRESENCE_ADDR is required")
	}
	if c.PresencePoolSize < 1 {
		return fmt.Errorf("PRESENCE_POOL_SIZE must be > 0, got %d", c.PresencePoolSize)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("RPC_CALL_TIMEOUT must be > 0, got %s", c.CallTimeout)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("PUSH_MAX_INFLIGHT must be > 0, got %d", c.MaxInFlight)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
func (c *DispatcherConfig) Print() {
	fmt.Println("=== Dispatcher Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Kafka Brokers:   %s\n", c.KafkaBrokers)
	fmt.Printf("Consumer Group:  %s\n", c.ConsumerGroup)
	fmt.Printf("Push Topic:      %s\n", c.PushTopic)
	fmt.Println("\n=== Batching ===")
	fmt.Printf("Queue Capacity:  %d\n", c.QueueCapacity)
	fmt.Printf("Workers:         %d\n", c.WorkerCount)
	fmt.Printf("Max Batch Size:  %d\n", c.MaxBatchSize)
	fmt.Printf("Batch Timeout:   %s\n", c.BatchTimeout)
	fmt.Printf("Max Restarts:    %d\n", c.MaxRestarts)
	fmt.Println("\n=== RPC ===")
	fmt.Printf("Presence:        %s (pool %d)\n", c.PresenceAddr, c.PresencePoolSize)
	fmt.Printf("Call Timeout:    %s\n", c.CallTimeout)
	fmt.Printf("Max In-Flight:   %d\n", c.MaxInFlight)
	fmt.Println("\n=== Discovery ===")
	fmt.Printf("NATS:            %s\n", c.NATSURL)
	fmt.Printf("Bucket:          %s\n", c.Bucket)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("================================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *DispatcherConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("consumer_group", c.ConsumerGroup).
		Str("push_topic", c.PushTopic).
		Int("queue_capacity", c.QueueCapacity).
		Int("worker_count", c.WorkerCount).
		Int("max_batch_size", c.MaxBatchSize).
		Dur("batch_timeout", c.BatchTimeout).
		Int("max_restarts", c.MaxRestarts).
		Str("presence_addr", c.PresenceAddr).
		Int("presence_pool_size", c.PresencePoolSize).
		Dur("call_timeout", c.CallTimeout).
		Int("max_in_flight", c.MaxInFlight).
		Str("nats_url", c.NATSURL).
		Str("discovery_bucket", c.Bucket).
		Msg("Dispatcher configuration loaded")
}
