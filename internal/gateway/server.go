// Package gateway is the connection-holding server: it authenticates and
// upgrades client sockets, keeps the online connection registry, answers
// heartbeats and delivers pushed frames to live sessions.
package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pushline/internal/shared/auth"
	"github.com/adred-codev/pushline/internal/shared/limits"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	presenceTimeout    = 2 * time.Second
	defaultDrainGrace  = 30 * time.Second
	defaultCPUInterval = 15 * time.Second

	defaultMaxConnections = 10000
)

// PresencePublisher makes this node's sessions resolvable by dispatchers
type PresencePublisher interface {
	Publish(ctx context.Context, rec types.PresenceRecord) error
	Withdraw(ctx context.Context, rec types.PresenceRecord) error
}

// Config holds gateway server settings
type Config struct {
	Address        types.GatewayAddress // Advertised push RPC address, written into presence
	DeviceIDHeader string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	DrainGrace     time.Duration // default 30s

	// Admission control
	MaxConnections     int     // default 10000
	CPURejectThreshold float64 // 0 disables the CPU brake
	CPUSampleInterval  time.Duration
	CPUSampler         limits.CPUSampler // default host CPU

	ConnRateLimit   bool
	ConnIPBurst     int
	ConnIPRate      float64
	ConnGlobalBurst int
	ConnGlobalRate  float64
}

type Server struct {
	config   Config
	logger   zerolog.Logger
	tokens   *auth.TokenDecoder
	presence PresencePublisher
	registry *Registry

	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard

	sessions     sync.Map // *Session -> struct{}, including superseded ones
	sessionCount atomic.Int64
	nextID       atomic.Int64
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer builds a gateway server. presence may be nil.
func NewServer(config Config, tokens *auth.TokenDecoder, presence PresencePublisher, logger zerolog.Logger) *Server {
	if config.DrainGrace <= 0 {
		config.DrainGrace = defaultDrainGrace
	}
	if config.CPUSampleInterval <= 0 {
		config.CPUSampleInterval = defaultCPUInterval
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaultMaxConnections
	}

	s := &Server{
		config:   config,
		logger:   logger.With().Str("component", "gateway").Logger(),
		tokens:   tokens,
		presence: presence,
		registry: NewRegistry(),
	}

	s.resourceGuard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     config.MaxConnections,
		CPURejectThreshold: config.CPURejectThreshold,
		Sampler:            config.CPUSampler,
	}, s.Len, logger)

	if config.ConnRateLimit {
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnIPBurst,
			IPRate:      config.ConnIPRate,
			GlobalBurst: config.ConnGlobalBurst,
			GlobalRate:  config.ConnGlobalRate,
			Logger:      logger,
		})
		s.logger.Info().Msg("Connection rate limiting enabled")
	}

	return s
}

// Start begins resource sampling for admission control until ctx ends
func (s *Server) Start(ctx context.Context) {
	if s.config.CPURejectThreshold > 0 {
		s.resourceGuard.UpdateResources()
		s.resourceGuard.StartMonitoring(ctx, s.config.CPUSampleInterval)
	}
}

// Handler serves the WebSocket endpoint at /ws
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) Registry() *Registry { return s.registry }

// Len returns the number of open sessions
func (s *Server) Len() int { return int(s.sessionCount.Load()) }

// Stats reports admission state for /health
func (s *Server) Stats() map[string]any {
	stats := s.resourceGuard.GetStats()
	stats["registered_keys"] = s.registry.Len()
	stats["shutting_down"] = s.shuttingDown.Load()
	return stats
}

func (s *Server) reject(w http.ResponseWriter, sess *Session, status int, reason string) {
	sess.setState(StateClosed)
	monitoring.RecordConnectionRejected(reason)
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)
	sess := newSession(s.nextID.Add(1), clientIP, s.config.WriteTimeout)

	if s.shuttingDown.Load() {
		s.logger.Debug().Str("client_ip", clientIP).Msg("Connection rejected: server shutting down")
		s.reject(w, sess, http.StatusServiceUnavailable, monitoring.RejectReasonShuttingDown)
		return
	}

	if s.connectionRateLimiter != nil && !s.connectionRateLimiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		s.reject(w, sess, http.StatusTooManyRequests, monitoring.RejectReasonRateLimited)
		return
	}

	if accept, reason := s.resourceGuard.ShouldAcceptConnection(); !accept {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("current_connections", s.Len()).
			Str("reason", reason).
			Msg("Connection rejected by ResourceGuard")
		s.reject(w, sess, http.StatusServiceUnavailable, monitoring.RejectReasonOverloaded)
		return
	}

	sess.setState(StateHandshaking)

	key, err := s.authenticate(r)
	if err != nil {
		s.logger.Info().Err(err).Str("client_ip", clientIP).Msg("Handshake rejected")
		s.reject(w, sess, http.StatusUnauthorized, monitoring.RejectReasonUnauthorized)
		return
	}
	sess.key = key
	sess.setState(StateAuthenticated)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		sess.setState(StateClosed)
		monitoring.RecordConnectionRejected(monitoring.RejectReasonUpgradeFailed)
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}
	sess.conn = conn
	sess.connectedAt = time.Now()

	s.sessions.Store(sess, struct{}{})
	s.sessionCount.Add(1)
	if previous := s.registry.Register(key, sess); previous != nil {
		s.logger.Info().
			Int64("user_id", key.UserID).
			Str("device_id", key.DeviceID).
			Int64("session_id", sess.id).
			Int64("superseded_session_id", previous.id).
			Msg("Session superseded")
	}
	sess.setState(StateActive)
	monitoring.RecordConnect()

	s.publishPresence(key)

	s.logger.Info().
		Int64("user_id", key.UserID).
		Str("device_id", key.DeviceID).
		Int64("session_id", sess.id).
		Str("client_ip", clientIP).
		Dur("setup_time", time.Since(startTime)).
		Msg("Client connected")

	s.wg.Add(1)
	go s.readLoop(sess)
}

// authenticate extracts the user id from the bearer token and the device id
// from its header
func (s *Server) authenticate(r *http.Request) (types.ConnectionKey, error) {
	token, err := auth.ExtractTokenFromHeader(r)
	if err != nil {
		return types.ConnectionKey{}, err
	}

	deviceID := strings.TrimSpace(r.Header.Get(s.config.DeviceIDHeader))
	if deviceID == "" {
		return types.ConnectionKey{}, errMissingDeviceID
	}

	userID, err := s.tokens.UserID(token)
	if err != nil {
		return types.ConnectionKey{}, err
	}
	return types.ConnectionKey{UserID: userID, DeviceID: deviceID}, nil
}

var errMissingDeviceID = errors.New("gateway: missing device id header")

func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readLoop", map[string]any{"session_id": sess.id})

	reason := monitoring.DisconnectReasonReadError
	defer func() { s.closeSession(sess, reason) }()

	rw := lockedConn{s: sess}
	for {
		sess.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			reason = s.readErrorReason(err)
			return
		}

		if op != ws.OpBinary {
			s.logger.Debug().Int64("session_id", sess.id).Msg("Text frame received, closing session")
			_ = sess.closeWith(ws.StatusUnsupportedData, "binary frames only")
			reason = monitoring.DisconnectReasonProtocolError
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Debug().Err(err).Int64("session_id", sess.id).Msg("Undecodable frame, closing session")
			_ = sess.closeWith(ws.StatusProtocolError, "bad envelope")
			reason = monitoring.DisconnectReasonProtocolError
			return
		}

		if err := s.handleEnvelope(sess, env); err != nil {
			s.logger.Debug().Err(err).Int64("session_id", sess.id).Msg("Failed to write response")
			reason = monitoring.DisconnectReasonWriteError
			return
		}
	}
}

func (s *Server) readErrorReason(err error) string {
	var closed wsutil.ClosedError
	switch {
	case s.shuttingDown.Load():
		return monitoring.DisconnectReasonShutdown
	case errors.Is(err, os.ErrDeadlineExceeded):
		return monitoring.DisconnectReasonIdleTimeout
	case errors.As(err, &closed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return monitoring.DisconnectReasonClientClosed
	default:
		return monitoring.DisconnectReasonReadError
	}
}

func (s *Server) handleEnvelope(sess *Session, env *Envelope) error {
	switch env.Kind {
	case KindHeartbeatRequest:
		monitoring.IncrementHeartbeats()
		data, err := encodeHeartbeatResponse(HeartbeatResponse{
			UserID:          env.HeartbeatRequest.UserID,
			ClientTimestamp: env.HeartbeatRequest.Timestamp,
			ServerTimestamp: sess.nextServerMs(),
		})
		if err != nil {
			return err
		}
		return sess.WriteBinary(data)
	default:
		s.logger.Debug().Str("kind", env.Kind).Int64("session_id", sess.id).Msg("Ignoring client envelope")
		return nil
	}
}

// closeSession is the single exit path of an upgraded session
func (s *Server) closeSession(sess *Session, reason string) {
	sess.Close()
	if _, loaded := s.sessions.LoadAndDelete(sess); !loaded {
		return
	}
	s.sessionCount.Add(-1)

	key, owned := s.registry.Unregister(sess)
	if owned {
		s.withdrawPresence(key)
	}

	monitoring.RecordDisconnect(reason)
	s.logger.Info().
		Int64("user_id", sess.key.UserID).
		Str("device_id", sess.key.DeviceID).
		Int64("session_id", sess.id).
		Str("reason", reason).
		Bool("owned", owned).
		Dur("duration", time.Since(sess.connectedAt)).
		Msg("Client disconnected")
}

func (s *Server) presenceRecord(key types.ConnectionKey) types.PresenceRecord {
	return types.PresenceRecord{UserID: key.UserID, DeviceID: key.DeviceID, Address: s.config.Address}
}

func (s *Server) publishPresence(key types.ConnectionKey) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Publish(ctx, s.presenceRecord(key)); err != nil {
		monitoring.LogError(s.logger, err, "Failed to publish presence", map[string]any{
			"user_id":   key.UserID,
			"device_id": key.DeviceID,
		})
	}
}

func (s *Server) withdrawPresence(key types.ConnectionKey) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Withdraw(ctx, s.presenceRecord(key)); err != nil {
		monitoring.LogError(s.logger, err, "Failed to withdraw presence", map[string]any{
			"user_id":   key.UserID,
			"device_id": key.DeviceID,
		})
	}
}

// Shutdown rejects new handshakes, asks every client to close and waits up
// to DrainGrace before closing the rest
func (s *Server) Shutdown() {
	s.shuttingDown.Store(true)
	s.logger.Info().
		Int("active_sessions", s.Len()).
		Dur("grace_period", s.config.DrainGrace).
		Msg("Draining active sessions")

	s.sessions.Range(func(key, _ any) bool {
		_ = key.(*Session).goingAway()
		return true
	})

	drainTimer := time.NewTimer(s.config.DrainGrace)
	checkTicker := time.NewTicker(100 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for s.Len() > 0 {
		select {
		case <-drainTimer.C:
			s.logger.Warn().
				Int("remaining_sessions", s.Len()).
				Msg("Grace period expired, force closing remaining sessions")
			s.sessions.Range(func(key, _ any) bool {
				key.(*Session).Close()
				return true
			})
			break drain
		case <-checkTicker.C:
		}
	}

	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}

	s.wg.Wait()
	s.logger.Info().Msg("Gateway shutdown completed")
}

// getClientIP prefers the first X-Forwarded-For hop, then RemoteAddr
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
