// Package dispatch turns push-topic records into per-gateway push streams:
// presence resolution and grouping (Service), a pool of gateway clients kept
// in sync with discovery (Registry), and the batch processor that streams
// each destination's frames (Processor).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/pushline/internal/discovery"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// ErrChangefeedClosed is returned by Run when the feed ends before ctx does
var ErrChangefeedClosed = errors.New("dispatch: discovery changefeed closed")

// PushClient streams frames to one gateway
type PushClient interface {
	Push(ctx context.Context, frames []rpc.PushFrame) (*rpc.PushAck, error)
	Close() error
}

// ClientFactory builds the client for a newly discovered gateway
type ClientFactory func(address types.GatewayAddress) (PushClient, error)

// RPCClientFactory returns a factory producing lazily dialed gRPC clients
func RPCClientFactory(opts ...grpc.DialOption) ClientFactory {
	return func(address types.GatewayAddress) (PushClient, error) {
		return rpc.NewGatewayClient(address, opts...)
	}
}

// Registry maps gateway addresses to pooled clients. Membership follows a
// discovery changefeed; lookups never block.
type Registry struct {
	pools   sync.Map // types.GatewayAddress -> PushClient
	size    atomic.Int64
	factory ClientFactory
	logger  zerolog.Logger
}

func NewRegistry(factory ClientFactory, logger zerolog.Logger) *Registry {
	return &Registry{
		factory: factory,
		logger:  logger.With().Str("component", "pool_registry").Logger(),
	}
}

// Run watches feed and applies its events in delivery order. It returns nil
// when ctx ends and ErrChangefeedClosed if the feed closes first.
func (r *Registry) Run(ctx context.Context, feed discovery.Changefeed) error {
	events, err := feed.Watch(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: watch discovery: %w", err)
	}

	r.logger.Info().Msg("Pool registry watching discovery")

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrChangefeedClosed
			}
			r.Apply(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Apply handles one membership event
func (r *Registry) Apply(ev discovery.Event) {
	monitoring.RecordPoolRegistryEvent(ev.Type.String())

	switch ev.Type {
	case discovery.EventAdded:
		r.add(ev.Address)
	case discovery.EventRemoved:
		r.remove(ev.Address)
	case discovery.EventUpdated:
		// The changefeed already delivered the removed/added pair for the move
		r.logger.Debug().
			Str("address", ev.Address.String()).
			Str("previous", ev.Previous.String()).
			Msg("Ignoring gateway update event")
	default:
		r.logger.Warn().Int("type", int(ev.Type)).Msg("Unknown discovery event")
	}
}

func (r *Registry) add(address types.GatewayAddress) {
	if _, ok := r.pools.Load(address); ok {
		return
	}

	client, err := r.factory(address)
	if err != nil {
		monitoring.LogError(r.logger, err, "Failed to create gateway client", map[string]any{
			"address": address.String(),
		})
		return
	}

	if _, loaded := r.pools.LoadOrStore(address, client); loaded {
		_ = client.Close()
		return
	}

	monitoring.SetPoolRegistrySize(int(r.size.Add(1)))
	r.logger.Info().Str("address", address.String()).Msg("Gateway pool added")
}

func (r *Registry) remove(address types.GatewayAddress) {
	value, ok := r.pools.LoadAndDelete(address)
	if !ok {
		return
	}
	monitoring.SetPoolRegistrySize(int(r.size.Add(-1)))

	if err := value.(PushClient).Close(); err != nil {
		r.logger.Warn().Err(err).Str("address", address.String()).Msg("Gateway pool close failed")
	}
	r.logger.Info().Str("address", address.String()).Msg("Gateway pool removed")
}

// Get returns the client for address. A miss means the gateway is currently
// unroutable.
func (r *Registry) Get(address types.GatewayAddress) (PushClient, bool) {
	value, ok := r.pools.Load(address)
	if !ok {
		return nil, false
	}
	return value.(PushClient), true
}

// Len returns the number of pooled gateways
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Addresses lists pooled gateways
func (r *Registry) Addresses() []types.GatewayAddress {
	var addresses []types.GatewayAddress
	r.pools.Range(func(key, _ any) bool {
		addresses = append(addresses, key.(types.GatewayAddress))
		return true
	})
	return addresses
}

// Close removes and closes every pool
func (r *Registry) Close() {
	r.pools.Range(func(key, _ any) bool {
		r.remove(key.(types.GatewayAddress))
		return true
	})
}
