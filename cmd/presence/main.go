package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/pushline/internal/presence"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/config"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	startup := log.New(os.Stdout, "[PRESENCE] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadPresenceConfig(nil)
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
		Service: "presence",
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to reach Redis")
	}

	grpcServer := rpc.NewServer(logger)
	rpc.RegisterPresenceServer(grpcServer, presence.NewServer(presence.NewStore(redisClient, 0, logger), logger))

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("Failed to listen")
	}

	metricsServer := monitoring.NewHTTPServer(cfg.MetricsAddr, nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("Presence RPC listening")
		return grpcServer.Serve(listener)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-gctx.Done()
	logger.Info().Msg("Shutting down presence service")

	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Presence service stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Presence service stopped")
}
