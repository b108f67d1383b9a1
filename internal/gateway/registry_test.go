package gateway

import (
	"sync"
	"testing"

	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Supersede(t *testing.T) {
	// Arrange
	registry := NewRegistry()
	key := types.ConnectionKey{UserID: 7, DeviceID: "phone"}
	first := newSession(1, "127.0.0.1", 0)
	second := newSession(2, "127.0.0.1", 0)

	// Act
	assert.Nil(t, registry.Register(key, first))
	previous := registry.Register(key, second)

	// Assert
	assert.Same(t, first, previous)
	got, ok := registry.Lookup(key)
	require.True(t, ok)
	assert.Same(t, second, got)

	_, owned := registry.Unregister(first)
	assert.False(t, owned, "superseded session must not own the key")
	got, ok = registry.Lookup(key)
	require.True(t, ok)
	assert.Same(t, second, got)

	gotKey, owned := registry.Unregister(second)
	assert.True(t, owned)
	assert.Equal(t, key, gotKey)
	_, ok = registry.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, 0, registry.Len())
}

func TestRegistry_RegisterSameSessionTwice(t *testing.T) {
	registry := NewRegistry()
	key := types.ConnectionKey{UserID: 7, DeviceID: "phone"}
	s := newSession(1, "127.0.0.1", 0)

	registry.Register(key, s)
	assert.Nil(t, registry.Register(key, s))

	assert.Equal(t, 1, registry.Len())
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	registry := NewRegistry()

	_, owned := registry.Unregister(newSession(1, "127.0.0.1", 0))

	assert.False(t, owned)
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := types.ConnectionKey{UserID: int64(i % 5), DeviceID: "d"}
			s := newSession(int64(i), "127.0.0.1", 0)
			registry.Register(key, s)
			registry.Lookup(key)
			registry.Unregister(s)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, len(registry.reverse))
	assert.Equal(t, 0, registry.Len())
}

func TestSession_NextServerMsNeverDecreases(t *testing.T) {
	s := newSession(1, "127.0.0.1", 0)
	s.lastServerMs = 1 << 62

	assert.Equal(t, int64(1<<62), s.nextServerMs())
}

func TestDecodeEnvelope(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"heartbeat request", `{"kind":"heartbeat_request","heartbeatRequest":{"userId":"u1","timestamp":1}}`, false},
		{"heartbeat response", `{"kind":"heartbeat_response","heartbeatResponse":{"userId":"u1"}}`, false},
		{"missing body", `{"kind":"heartbeat_request"}`, true},
		{"unknown kind", `{"kind":"subscribe"}`, true},
		{"not json", `ping`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tc.input))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadEnvelope)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.Kind)
		})
	}
}
