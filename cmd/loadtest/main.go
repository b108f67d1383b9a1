// Command loadtest ramps authenticated sessions against a gateway, keeps them
// alive with heartbeats and reports heartbeat latency and received pushes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/pushline/internal/gateway"
	"github.com/adred-codev/pushline/internal/payload"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Config struct {
	WSURL             string
	JWTSecret         string
	DeviceIDHeader    string
	FirstUserID       int64
	TargetConnections int
	RampRate          int // connections per second
	Duration          time.Duration
	HeartbeatInterval time.Duration
	ReportInterval    time.Duration
	ConnectTimeout    time.Duration
}

// State tracks run counters
type State struct {
	active     atomic.Int64
	created    atomic.Int64
	failed     atomic.Int64
	heartbeats atomic.Int64
	pushes     atomic.Int64
	dropped    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	failures  map[string]int64
}

func (s *State) recordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *State) recordFailure(reason string) {
	s.failed.Add(1)
	s.mu.Lock()
	s.failures[reason]++
	s.mu.Unlock()
}

// Client is one simulated device
type Client struct {
	userID   int64
	deviceID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func main() {
	cfg := parseFlags()
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   types.LogLevelInfo,
		Format:  types.LogFormatPretty,
		Service: "loadtest",
	})

	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT secret is required (-jwt-secret or JWT_SECRET)")
	}

	logger.Info().
		Str("url", cfg.WSURL).
		Int("target", cfg.TargetConnections).
		Int("ramp_rate", cfg.RampRate).
		Dur("duration", cfg.Duration).
		Dur("heartbeat", cfg.HeartbeatInterval).
		Msg("Starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := &State{failures: make(map[string]int64)}
	var wg sync.WaitGroup

	go report(ctx, cfg, state, logger)

	ramp(ctx, cfg, state, &wg, logger)
	logger.Info().Int64("active", state.active.Load()).Msg("Ramp-up complete, sustaining")

	select {
	case <-time.After(cfg.Duration):
	case <-ctx.Done():
		logger.Warn().Msg("Sustain phase interrupted")
	}
	stop()
	wg.Wait()

	printSummary(state, logger)
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "gateway WebSocket URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HS256 secret the gateway verifies")
	flag.StringVar(&cfg.DeviceIDHeader, "device-header", getEnv("DEVICE_ID_HEADER", "X-Device-Id"), "device id header")
	flag.Int64Var(&cfg.FirstUserID, "first-user", 1, "user id of the first connection")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "target connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "connections per second during ramp-up")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "sustain duration")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 15*time.Second, "heartbeat interval per connection")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "report interval")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second, "handshake timeout")
	flag.Parse()

	if cfg.RampRate < 10 {
		cfg.RampRate = 10
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// ramp opens connections in batches of RampRate/10 every 100ms
func ramp(ctx context.Context, cfg Config, state *State, wg *sync.WaitGroup, logger zerolog.Logger) {
	batchSize := cfg.RampRate / 10
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	next := 0
	for next < cfg.TargetConnections {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var batch sync.WaitGroup
		for i := 0; i < batchSize && next < cfg.TargetConnections; i++ {
			userID := cfg.FirstUserID + int64(next)
			next++
			state.created.Add(1)

			batch.Add(1)
			go func() {
				defer batch.Done()
				client, err := connect(ctx, &dialer, cfg, userID)
				if err != nil {
					state.recordFailure(err.Error())
					logger.Debug().Err(err).Int64("user_id", userID).Msg("Connect failed")
					return
				}
				state.active.Add(1)

				wg.Add(1)
				go func() {
					defer wg.Done()
					defer state.active.Add(-1)
					client.run(ctx, cfg, state)
				}()
			}()
		}
		batch.Wait()
	}
}

func connect(ctx context.Context, dialer *websocket.Dialer, cfg Config, userID int64) (*Client, error) {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	deviceID := "load-" + strconv.FormatInt(userID, 10)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set(cfg.DeviceIDHeader, deviceID)

	conn, resp, err := dialer.DialContext(ctx, cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("handshake status %d", resp.StatusCode)
		}
		return nil, err
	}
	return &Client{userID: userID, deviceID: deviceID, conn: conn}, nil
}

// run sends heartbeats and reads frames until ctx ends or the socket fails
func (c *Client) run(ctx context.Context, cfg Config, state *State) {
	defer c.conn.Close()

	sent := make(map[int64]time.Time)
	var sentMu sync.Mutex

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			c.conn.SetReadDeadline(time.Now().Add(3 * cfg.HeartbeatInterval))
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}

			var env gateway.Envelope
			if err := json.Unmarshal(data, &env); err == nil && env.Kind == gateway.KindHeartbeatResponse && env.HeartbeatResponse != nil {
				sentMu.Lock()
				at, ok := sent[env.HeartbeatResponse.ClientTimestamp]
				delete(sent, env.HeartbeatResponse.ClientTimestamp)
				sentMu.Unlock()
				if ok {
					state.heartbeats.Add(1)
					state.recordLatency(time.Since(at))
				}
				continue
			}

			var notification payload.Notification
			if err := json.Unmarshal(data, &notification); err == nil && notification.Type != "" {
				state.pushes.Add(1)
			}
		}
	}()

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			<-readDone
			return
		case <-readDone:
			state.dropped.Add(1)
			return
		case <-ticker.C:
			now := time.Now()
			ts := now.UnixMilli()
			sentMu.Lock()
			sent[ts] = now
			sentMu.Unlock()

			if err := c.heartbeat(ts); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				state.dropped.Add(1)
				return
			}
		}
	}
}

func (c *Client) heartbeat(ts int64) error {
	data, err := json.Marshal(gateway.Envelope{
		Kind:             gateway.KindHeartbeatRequest,
		HeartbeatRequest: &gateway.HeartbeatRequest{UserID: strconv.FormatInt(c.userID, 10), Timestamp: ts},
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func report(ctx context.Context, cfg Config, state *State, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Info().
				Int64("active", state.active.Load()).
				Int64("created", state.created.Load()).
				Int64("failed", state.failed.Load()).
				Int64("dropped", state.dropped.Load()).
				Int64("heartbeats", state.heartbeats.Load()).
				Int64("pushes", state.pushes.Load()).
				Msg("Progress")
		case <-ctx.Done():
			return
		}
	}
}

func printSummary(state *State, logger zerolog.Logger) {
	state.mu.Lock()
	defer state.mu.Unlock()

	event := logger.Info().
		Int64("created", state.created.Load()).
		Int64("failed", state.failed.Load()).
		Int64("dropped", state.dropped.Load()).
		Int64("heartbeats", state.heartbeats.Load()).
		Int64("pushes", state.pushes.Load())

	if n := len(state.latencies); n > 0 {
		sort.Slice(state.latencies, func(i, j int) bool { return state.latencies[i] < state.latencies[j] })
		event = event.
			Dur("p50", state.latencies[n/2]).
			Dur("p99", state.latencies[n*99/100]).
			Dur("max", state.latencies[n-1])
	}
	event.Msg("Load test finished")

	for reason, count := range state.failures {
		logger.Warn().Str("reason", reason).Int64("count", count).Msg("Connect failures")
	}
}
