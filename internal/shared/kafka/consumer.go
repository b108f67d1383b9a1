// Package kafka consumes the push topic in polled batches and commits offsets
// only after each batch was handed off.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one consumed push record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// HandlerFunc receives every polled batch in order. Offsets of the batch are
// committed only when it returns nil.
type HandlerFunc func(ctx context.Context, messages []Message) error

// client is the subset of *kgo.Client the consumer drives
type client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Close()
}

// Consumer wraps franz-go client for consuming the push topic
type Consumer struct {
	client  client
	logger  zerolog.Logger
	handler HandlerFunc
	topics  []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Logger        zerolog.Logger
	Handler       HandlerFunc
}

// NewConsumer creates a new Kafka consumer. Auto-commit is disabled and
// rebalances are held while a polled batch is being handed off.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka_consumer").Logger()

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return newConsumer(cl, cfg.Topics, cfg.Handler, logger), nil
}

func newConsumer(cl client, topics []string, handler HandlerFunc, logger zerolog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  cl,
		logger:  logger,
		handler: handler,
		topics:  topics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.logger.Info().Strs("topics", c.topics).Msg("Starting Kafka consumer")

	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop cancels the poll loop, waits for it and closes the client
func (c *Consumer) Stop() {
	c.logger.Info().Msg("Stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	c.logger.Info().Msg("Kafka consumer stopped")
}

func (c *Consumer) consumeLoop() {
	defer monitoring.RecoverPanic(c.logger, "consumeLoop", map[string]any{
		"topics": c.topics,
	})
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		c.handleFetches(fetches)
		c.client.AllowRebalance()
	}
}

// handleFetches hands one poll to the handler and commits it on success
func (c *Consumer) handleFetches(fetches kgo.Fetches) {
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		monitoring.IncrementKafkaErrors("fetch")
		c.logger.Error().
			Err(err).
			Str("topic", topic).
			Int32("partition", partition).
			Msg("Fetch error")
	})

	records := fetches.Records()
	if len(records) == 0 {
		return
	}

	messages := make([]Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, Message{
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Key:       record.Key,
			Value:     record.Value,
		})
	}
	monitoring.AddKafkaRecordsConsumed(len(messages))

	if err := c.handler(c.ctx, messages); err != nil {
		monitoring.IncrementKafkaErrors("handler")
		c.logger.Warn().
			Err(err).
			Int("records", len(messages)).
			Msg("Push batch not fully handed off, offsets left uncommitted")
		return
	}

	if err := c.client.CommitRecords(c.ctx, records...); err != nil {
		monitoring.IncrementKafkaErrors("commit")
		c.logger.Error().
			Err(err).
			Int("records", len(records)).
			Msg("Failed to commit offsets")
		return
	}

	c.logger.Debug().
		Int("records", len(records)).
		Msg("Committed push batch")
}
