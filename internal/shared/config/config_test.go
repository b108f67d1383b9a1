package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDispatcherConfig_Defaults(t *testing.T) {
	cfg, err := LoadDispatcherConfig(nil)

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "pushline-gateways", cfg.Bucket)
	assert.Equal(t, 10*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, []string{"localhost:19092"}, SplitList(cfg.KafkaBrokers))
}

func TestLoadDispatcherConfig_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("BATCH_TIMEOUT", "0s")
	t.Setenv("BATCH_WORKER_COUNT", "3")

	cfg, err := LoadDispatcherConfig(nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, SplitList(cfg.KafkaBrokers))
	assert.Equal(t, time.Duration(0), cfg.BatchTimeout)
	assert.Equal(t, 3, cfg.WorkerCount)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name  string
		env   map[string]string
		load  func() error
		match string
	}{
		{
			name:  "bad log level",
			env:   map[string]string{"LOG_LEVEL": "verbose"},
			load:  func() error { _, err := LoadPresenceConfig(nil); return err },
			match: "LOG_LEVEL",
		},
		{
			name:  "gateway without secret",
			env:   map[string]string{"JWT_SECRET": ""},
			load:  func() error { _, err := LoadGatewayConfig(nil); return err },
			match: "JWT_SECRET",
		},
		{
			name:  "discovery ttl too short",
			env:   map[string]string{"DISCOVERY_TTL": "100ms"},
			load:  func() error { _, err := LoadDispatcherConfig(nil); return err },
			match: "DISCOVERY_TTL",
		},
		{
			name:  "zero workers",
			env:   map[string]string{"BATCH_WORKER_COUNT": "0"},
			load:  func() error { _, err := LoadDispatcherConfig(nil); return err },
			match: "BATCH_WORKER_COUNT",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			err := tc.load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.match)
		})
	}
}

func TestLoadGatewayConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WS_CPU_REJECT_THRESHOLD", "0")

	cfg, err := LoadGatewayConfig(nil)

	require.NoError(t, err)
	assert.Equal(t, "X-Device-Id", cfg.DeviceIDHeader)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Zero(t, cfg.CPURejectThreshold)
}
