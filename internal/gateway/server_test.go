package gateway_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/pushline/internal/gateway"
	"github.com/adred-codev/pushline/internal/payload"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/auth"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const (
	secret         = "test-secret"
	deviceHeader   = "X-Device-Id"
	gatewayAddress = types.GatewayAddress("10.0.0.1:7200")
)

// --- Helpers ---

type fakePresence struct {
	mu        sync.Mutex
	published []types.PresenceRecord
	withdrawn []types.PresenceRecord
}

func (p *fakePresence) Publish(_ context.Context, rec types.PresenceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, rec)
	return nil
}

func (p *fakePresence) Withdraw(_ context.Context, rec types.PresenceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawn = append(p.withdrawn, rec)
	return nil
}

func (p *fakePresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published), len(p.withdrawn)
}

type harness struct {
	server   *gateway.Server
	presence *fakePresence
	url      string
}

func newHarness(t *testing.T, mutate ...func(*gateway.Config)) *harness {
	t.Helper()

	config := gateway.Config{
		Address:        gatewayAddress,
		DeviceIDHeader: deviceHeader,
		IdleTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		DrainGrace:     time.Second,
		MaxConnections: 100,
	}
	for _, m := range mutate {
		m(&config)
	}

	presence := &fakePresence{}
	server := gateway.NewServer(config, auth.NewTokenDecoder(secret), presence, zerolog.Nop())
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		server.Shutdown()
	})

	return &harness{
		server:   server,
		presence: presence,
		url:      "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
	}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func headers(bearer, deviceID string) http.Header {
	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	if deviceID != "" {
		h.Set(deviceHeader, deviceID)
	}
	return h
}

func (h *harness) connect(t *testing.T, userID, deviceID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.url, headers(token(t, userID), deviceID))
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) waitRegistered(t *testing.T, key types.ConnectionKey) *gateway.Session {
	t.Helper()
	var sess *gateway.Session
	require.Eventually(t, func() bool {
		var ok bool
		sess, ok = h.server.Registry().Lookup(key)
		return ok && sess.State() == gateway.StateActive
	}, 2*time.Second, 10*time.Millisecond)
	return sess
}

func heartbeat(t *testing.T, conn *websocket.Conn, userID string, ts int64) gateway.HeartbeatResponse {
	t.Helper()

	req, err := json.Marshal(gateway.Envelope{
		Kind:             gateway.KindHeartbeatRequest,
		HeartbeatRequest: &gateway.HeartbeatRequest{UserID: userID, Timestamp: ts},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)

	var env gateway.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, gateway.KindHeartbeatResponse, env.Kind)
	require.NotNil(t, env.HeartbeatResponse)
	return *env.HeartbeatResponse
}

// --- Handshake ---

func TestServer_HandshakeRejections(t *testing.T) {
	testCases := []struct {
		name   string
		header func(t *testing.T) http.Header
	}{
		{"missing device id", func(t *testing.T) http.Header { return headers(token(t, "7"), "") }},
		{"missing token", func(t *testing.T) http.Header { return headers("", "phone") }},
		{"invalid token", func(t *testing.T) http.Header { return headers("not-a-jwt", "phone") }},
		{"non numeric subject", func(t *testing.T) http.Header { return headers(token(t, "alice"), "phone") }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			h := newHarness(t)

			// Act
			conn, resp, err := websocket.DefaultDialer.Dial(h.url, tc.header(t))

			// Assert
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Nil(t, conn)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			resp.Body.Close()

			assert.Equal(t, 0, h.server.Registry().Len())
			assert.Equal(t, 0, h.server.Len())
			published, _ := h.presence.counts()
			assert.Zero(t, published)
		})
	}
}

func TestServer_RejectsWhenAtCapacity(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.MaxConnections = 1 })
	h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	_, resp, err := websocket.DefaultDialer.Dial(h.url, headers(token(t, "8"), "phone"))

	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_RejectsWhenRateLimited(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) {
		c.ConnRateLimit = true
		c.ConnIPBurst = 1
		c.ConnIPRate = 0.001
	})
	h.connect(t, "7", "phone")

	_, resp, err := websocket.DefaultDialer.Dial(h.url, headers(token(t, "7"), "laptop"))

	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

// --- Session ---

func TestServer_Heartbeat(t *testing.T) {
	// Arrange
	h := newHarness(t)
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	// Act
	clientTs := time.Now().UnixMilli()
	first := heartbeat(t, conn, "7", clientTs)
	second := heartbeat(t, conn, "7", clientTs+1)

	// Assert
	assert.Equal(t, "7", first.UserID)
	assert.Equal(t, clientTs, first.ClientTimestamp)
	assert.GreaterOrEqual(t, first.ServerTimestamp, clientTs)
	assert.GreaterOrEqual(t, second.ServerTimestamp, first.ServerTimestamp)
}

func TestServer_HeartbeatEchoesRawFrame(t *testing.T) {
	// Arrange
	h := newHarness(t)
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	// Act
	frame := `{"kind":"heartbeat_request","heartbeatRequest":{"userId":"u1","timestamp":1000}}`
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(frame)))

	// Assert
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env gateway.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, gateway.KindHeartbeatResponse, env.Kind)
	require.NotNil(t, env.HeartbeatResponse)
	assert.Equal(t, "u1", env.HeartbeatResponse.UserID)
	assert.Equal(t, int64(1000), env.HeartbeatResponse.ClientTimestamp)
	assert.GreaterOrEqual(t, env.HeartbeatResponse.ServerTimestamp, int64(1000))
}

func TestServer_PublishesAndWithdrawsPresence(t *testing.T) {
	h := newHarness(t)
	key := types.ConnectionKey{UserID: 7, DeviceID: "phone"}
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, key)

	conn.Close()

	require.Eventually(t, func() bool { return h.server.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, withdrawn := h.presence.counts()
		return withdrawn == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.presence.mu.Lock()
	defer h.presence.mu.Unlock()
	want := types.PresenceRecord{UserID: 7, DeviceID: "phone", Address: gatewayAddress}
	assert.Equal(t, []types.PresenceRecord{want}, h.presence.published)
	assert.Equal(t, []types.PresenceRecord{want}, h.presence.withdrawn)
}

func TestServer_TextFrameClosesSession(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"heartbeat_request"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
	require.Eventually(t, func() bool { return h.server.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_UndecodableFrameClosesSession(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(`{"kind":"subscribe"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
	require.Eventually(t, func() bool { return h.server.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_IdleTimeoutClosesSession(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.IdleTimeout = 300 * time.Millisecond })
	h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	require.Eventually(t, func() bool { return h.server.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_SupersededSessionKeepsNewMapping(t *testing.T) {
	// Arrange
	h := newHarness(t)
	key := types.ConnectionKey{UserID: 7, DeviceID: "phone"}
	first := h.connect(t, "7", "phone")
	firstSession := h.waitRegistered(t, key)

	h.connect(t, "7", "phone")
	require.Eventually(t, func() bool {
		sess, ok := h.server.Registry().Lookup(key)
		return ok && sess != firstSession
	}, 2*time.Second, 10*time.Millisecond)
	secondSession, _ := h.server.Registry().Lookup(key)

	// Act
	first.Close()
	require.Eventually(t, func() bool { return h.server.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Assert
	sess, ok := h.server.Registry().Lookup(key)
	require.True(t, ok)
	assert.Same(t, secondSession, sess)
	_, withdrawn := h.presence.counts()
	assert.Zero(t, withdrawn)
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	done := make(chan struct{})
	go func() {
		// gorilla answers the close frame while reading
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()

	h.server.Shutdown()

	<-done
	assert.Equal(t, 0, h.server.Len())
	assert.Equal(t, 0, h.server.Registry().Len())

	_, resp, err := websocket.DefaultDialer.Dial(h.url, headers(token(t, "8"), "phone"))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

// --- Push endpoint ---

func servePush(t *testing.T, endpoint *gateway.PushEndpoint) *rpc.GatewayClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := rpc.NewServer(zerolog.Nop())
	rpc.RegisterPushServer(srv, endpoint)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := rpc.NewGatewayClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPushEndpoint_DeliversToLiveSessions(t *testing.T) {
	// Arrange
	h := newHarness(t)
	conn := h.connect(t, "7", "phone")
	h.waitRegistered(t, types.ConnectionKey{UserID: 7, DeviceID: "phone"})

	client := servePush(t, gateway.NewPushEndpoint(h.server.Registry(), zerolog.Nop()))
	raw := json.RawMessage(`{"kind":"event","event":{"originUserId":7,"receiveList":[7,8]}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Act
	ack, err := client.Push(ctx, []rpc.PushFrame{
		{UserID: 7, DeviceID: "phone", MessageType: payload.MessageTypeSelfInfoUpdate, Payload: raw},
		{UserID: 8, DeviceID: "phone", MessageType: payload.MessageTypeRelationInfoUpdate, Payload: raw},
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, &rpc.PushAck{Received: 2, Delivered: 1}, ack)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)

	var notification payload.Notification
	require.NoError(t, json.Unmarshal(data, &notification))
	assert.Equal(t, payload.MessageTypeSelfInfoUpdate, notification.Type)
	assert.JSONEq(t, string(raw), string(notification.Payload))
}

func TestPushEndpoint_EmptyStream(t *testing.T) {
	client := servePush(t, gateway.NewPushEndpoint(gateway.NewRegistry(), zerolog.Nop()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ack, err := client.Push(ctx, nil)

	require.NoError(t, err)
	assert.Equal(t, &rpc.PushAck{}, ack)
}
