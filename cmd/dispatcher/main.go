package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/pushline/internal/batch"
	"github.com/adred-codev/pushline/internal/discovery"
	"github.com/adred-codev/pushline/internal/dispatch"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/config"
	"github.com/adred-codev/pushline/internal/shared/kafka"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	startup := log.New(os.Stdout, "[DISPATCHER] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadDispatcherConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   types.LogLevel(cfg.LogLevel),
		Format:  types.LogFormat(cfg.LogFormat),
		Service: "dispatcher",
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Discovery
	nc, err := discovery.Connect(cfg.NATSURL, "pushline-dispatcher", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	kv, err := discovery.OpenBucket(nc, cfg.Bucket, cfg.TTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open discovery bucket")
	}

	registry := dispatch.NewRegistry(dispatch.RPCClientFactory(), logger)
	defer registry.Close()

	// Presence
	presencePool, err := rpc.NewPresencePool(cfg.PresenceAddr, cfg.PresencePoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create presence pool")
	}
	defer presencePool.Close()

	// Batch executor
	executor, err := batch.New(batch.Config{
		QueueCapacity: cfg.QueueCapacity,
		WorkerCount:   cfg.WorkerCount,
		MaxBatchSize:  cfg.MaxBatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		MaxRestarts:   cfg.MaxRestarts,
	}, dispatch.NewProcessorFactory(registry, dispatch.ProcessorConfig{
		CallTimeout: cfg.CallTimeout,
		MaxInFlight: cfg.MaxInFlight,
	}, logger), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start batch executor")
	}

	service := dispatch.NewService(presencePool, executor, logger)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       config.SplitList(cfg.KafkaBrokers),
		ConsumerGroup: cfg.ConsumerGroup,
		Topics:        []string{cfg.PushTopic},
		Logger:        logger,
		Handler:       service.Dispatch,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	metricsServer := monitoring.NewHTTPServer(cfg.MetricsAddr, func() map[string]any {
		return map[string]any{
			"gateways":     registry.Len(),
			"queue_depth":  executor.QueueDepth(),
			"live_workers": executor.LiveWorkers(),
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return registry.Run(gctx, discovery.NewKVChangefeed(kv, cfg.TTL, logger))
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				monitoring.SetBatchQueueDepth(executor.QueueDepth())
			case <-gctx.Done():
				return nil
			}
		}
	})

	consumer.Start()
	logger.Info().Str("topic", cfg.PushTopic).Msg("Dispatcher started")

	<-gctx.Done()
	logger.Info().Msg("Shutting down dispatcher")

	consumer.Stop()
	executor.Shutdown()
	if !executor.AwaitTermination(shutdownTimeout) {
		logger.Warn().Msg("Batch workers did not exit in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Dispatcher stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Dispatcher stopped")
}
