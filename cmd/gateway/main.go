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

	"github.com/adred-codev/pushline/internal/discovery"
	"github.com/adred-codev/pushline/internal/gateway"
	"github.com/adred-codev/pushline/internal/presence"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/auth"
	"github.com/adred-codev/pushline/internal/shared/config"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	startup := log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadGatewayConfig(nil)
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
		Service: "gateway",
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Presence publishing
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to reach Redis")
	}
	store := presence.NewStore(redisClient, cfg.PresenceTTL, logger)

	address := types.GatewayAddress(cfg.AdvertiseAddr)
	server := gateway.NewServer(gateway.Config{
		Address:            address,
		DeviceIDHeader:     cfg.DeviceIDHeader,
		IdleTimeout:        cfg.IdleTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		ConnRateLimit:      cfg.ConnRateLimit,
		ConnIPBurst:        cfg.ConnIPBurst,
		ConnIPRate:         cfg.ConnIPRate,
		ConnGlobalBurst:    cfg.ConnGlobalBurst,
		ConnGlobalRate:     cfg.ConnGlobalRate,
	}, auth.NewTokenDecoder(cfg.JWTSecret), store, logger)
	server.Start(ctx)

	// Push RPC
	grpcServer := rpc.NewServer(logger)
	rpc.RegisterPushServer(grpcServer, gateway.NewPushEndpoint(server.Registry(), logger))
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("Failed to listen for push RPC")
	}

	// Discovery
	nc, err := discovery.Connect(cfg.NATSURL, "pushline-gateway", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	kv, err := discovery.OpenBucket(nc, cfg.Bucket, cfg.TTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open discovery bucket")
	}
	registrar := discovery.NewRegistrar(kv, address, cfg.TTL, logger)

	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	metricsServer := monitoring.NewHTTPServer(cfg.MetricsAddr, server.Stats)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("Push RPC listening")
		return grpcServer.Serve(grpcListener)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.WSAddr).Msg("WebSocket server listening")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return registrar.Run(gctx)
	})

	<-gctx.Done()
	logger.Info().Msg("Shutting down gateway")

	// Registrar deregisters on gctx; stop taking handshakes, then drain
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("WebSocket server shutdown failed")
	}
	server.Shutdown()
	grpcServer.GracefulStop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Gateway stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Gateway stopped")
}
