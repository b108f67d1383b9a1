package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const keyPrefix = "gw-"

// kvWriter is the part of nats.KeyValue the registrar writes through
type kvWriter interface {
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

// Registrar keeps one gateway's registration alive. The key is generated per
// process so a restarted gateway never collides with its previous lease.
type Registrar struct {
	kv      kvWriter
	key     string
	address types.GatewayAddress
	refresh time.Duration
	logger  zerolog.Logger
}

// NewRegistrar creates a registrar that refreshes every ttl/3
func NewRegistrar(kv nats.KeyValue, address types.GatewayAddress, ttl time.Duration, logger zerolog.Logger) *Registrar {
	return newRegistrar(kv, address, ttl, logger)
}

func newRegistrar(kv kvWriter, address types.GatewayAddress, ttl time.Duration, logger zerolog.Logger) *Registrar {
	key := keyPrefix + uuid.NewString()
	return &Registrar{
		kv:      kv,
		key:     key,
		address: address,
		refresh: ttl / 3,
		logger: logger.With().
			Str("component", "registrar").
			Str("key", key).
			Str("address", address.String()).
			Logger(),
	}
}

// Key returns the registration key
func (r *Registrar) Key() string {
	return r.key
}

// Register writes the registration once. Run calls it first; it is exported
// so startup can fail fast before serving.
func (r *Registrar) Register() error {
	if _, err := r.kv.Put(r.key, []byte(r.address)); err != nil {
		return fmt.Errorf("discovery: register %s: %w", r.address, err)
	}
	return nil
}

// Run registers, refreshes the lease until ctx ends, then deletes the key.
// A failed refresh is logged and retried on the next tick.
func (r *Registrar) Run(ctx context.Context) error {
	if err := r.Register(); err != nil {
		return err
	}
	r.logger.Info().Dur("refresh", r.refresh).Msg("Gateway registered")

	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Register(); err != nil {
				r.logger.Warn().Err(err).Msg("Registration refresh failed")
			}
		case <-ctx.Done():
			r.Deregister()
			return nil
		}
	}
}

// Deregister deletes the registration so watchers see the node leave
// immediately instead of after the TTL.
func (r *Registrar) Deregister() {
	if err := r.kv.Delete(r.key); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to deregister gateway")
		return
	}
	r.logger.Info().Msg("Gateway deregistered")
}
