package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// watchSource is the part of nats.KeyValue the changefeed reads
type watchSource interface {
	WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error)
}

// KVChangefeed turns a JetStream KV bucket of gateway registrations into a
// Changefeed.
//
// Puts of new keys become EventAdded, deletes and purges become EventRemoved.
// A key that changes address releases the old one (EventRemoved once no key
// holds it) and acquires the new one before an EventUpdated is reported.
// JetStream does not notify watchers when an entry ages out, so keys that go
// unrefreshed for longer than the TTL are swept and reported as removed.
type KVChangefeed struct {
	kv     watchSource
	ttl    time.Duration
	sweep  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewKVChangefeed creates a changefeed over kv. ttl must match the interval
// after which an unrefreshed registration counts as dead.
func NewKVChangefeed(kv nats.KeyValue, ttl time.Duration, logger zerolog.Logger) *KVChangefeed {
	return newKVChangefeed(kv, ttl, logger)
}

func newKVChangefeed(kv watchSource, ttl time.Duration, logger zerolog.Logger) *KVChangefeed {
	return &KVChangefeed{
		kv:     kv,
		ttl:    ttl,
		sweep:  ttl / 2,
		logger: logger.With().Str("component", "kv_changefeed").Logger(),
		now:    time.Now,
	}
}

// Watch implements Changefeed
func (f *KVChangefeed) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := f.kv.WatchAll()
	if err != nil {
		return nil, fmt.Errorf("discovery: watch bucket: %w", err)
	}

	events := make(chan Event, 64)
	go f.run(ctx, watcher, events)
	return events, nil
}

func (f *KVChangefeed) run(ctx context.Context, watcher nats.KeyWatcher, events chan<- Event) {
	defer monitoring.RecoverPanic(f.logger, "changefeed", nil)
	defer close(events)
	defer func() {
		if err := watcher.Stop(); err != nil {
			f.logger.Debug().Err(err).Msg("Watcher stop failed")
		}
	}()

	ticker := time.NewTicker(f.sweep)
	defer ticker.Stop()

	members := newMembership()
	replaying := true

	emit := func(batch []Event) bool {
		for _, ev := range batch {
			select {
			case events <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok {
				f.logger.Warn().Msg("Discovery watch ended")
				return
			}
			if entry == nil {
				// nil marks the end of the initial replay
				if replaying {
					replaying = false
					f.logger.Info().Int("members", members.size()).Msg("Discovery replay complete")
				}
				continue
			}
			if !emit(members.apply(entry, f.now())) {
				return
			}

		case <-ticker.C:
			expired := members.expire(f.now(), f.ttl)
			for _, ev := range expired {
				f.logger.Warn().
					Str("address", ev.Address.String()).
					Dur("ttl", f.ttl).
					Msg("Gateway registration expired")
			}
			if !emit(expired) {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

type registration struct {
	address types.GatewayAddress
	seen    time.Time
}

// membership folds KV entries into per-address events. Several keys can
// point at one address (a restarted gateway re-registers before its old key
// ages out), so addresses are reference counted.
type membership struct {
	keys      map[string]registration
	addresses map[types.GatewayAddress]int
}

func newMembership() *membership {
	return &membership{
		keys:      make(map[string]registration),
		addresses: make(map[types.GatewayAddress]int),
	}
}

func (m *membership) size() int {
	return len(m.addresses)
}

func (m *membership) apply(entry nats.KeyValueEntry, now time.Time) []Event {
	key := entry.Key()
	prev, known := m.keys[key]

	switch entry.Operation() {
	case nats.KeyValuePut:
		address := types.GatewayAddress(entry.Value())
		m.keys[key] = registration{address: address, seen: now}

		switch {
		case !known:
			return m.acquire(address)
		case prev.address == address:
			// lease refresh
			return nil
		default:
			// The move itself reaches pools as removed/added; the update trails them
			events := m.release(prev.address)
			events = append(events, m.acquire(address)...)
			return append(events, Event{Type: EventUpdated, Address: address, Previous: prev.address})
		}

	case nats.KeyValueDelete, nats.KeyValuePurge:
		if !known {
			return nil
		}
		delete(m.keys, key)
		return m.release(prev.address)
	}

	return nil
}

func (m *membership) expire(now time.Time, ttl time.Duration) []Event {
	var events []Event
	for key, reg := range m.keys {
		if now.Sub(reg.seen) > ttl {
			delete(m.keys, key)
			events = append(events, m.release(reg.address)...)
		}
	}
	return events
}

func (m *membership) acquire(address types.GatewayAddress) []Event {
	m.addresses[address]++
	if m.addresses[address] == 1 {
		return []Event{{Type: EventAdded, Address: address}}
	}
	return nil
}

func (m *membership) release(address types.GatewayAddress) []Event {
	m.addresses[address]--
	if m.addresses[address] <= 0 {
		delete(m.addresses, address)
		return []Event{{Type: EventRemoved, Address: address}}
	}
	return nil
}
