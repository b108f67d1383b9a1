package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeEntry struct {
	key   string
	value string
	op    nats.KeyValueOp
}

func (e fakeEntry) Bucket() string             { return "pushline-gateways" }
func (e fakeEntry) Key() string                { return e.key }
func (e fakeEntry) Value() []byte              { return []byte(e.value) }
func (e fakeEntry) Revision() uint64           { return 1 }
func (e fakeEntry) Delta() uint64              { return 0 }
func (e fakeEntry) Created() time.Time         { return time.Time{} }
func (e fakeEntry) Operation() nats.KeyValueOp { return e.op }

func put(key, address string) nats.KeyValueEntry {
	return fakeEntry{key: key, value: address, op: nats.KeyValuePut}
}

func del(key string) nats.KeyValueEntry {
	return fakeEntry{key: key, op: nats.KeyValueDelete}
}

type fakeWatcher struct {
	updates chan nats.KeyValueEntry
	stopped chan struct{}
	once    sync.Once
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		updates: make(chan nats.KeyValueEntry, 16),
		stopped: make(chan struct{}),
	}
}

func (w *fakeWatcher) Context() context.Context           { return context.Background() }
func (w *fakeWatcher) Updates() <-chan nats.KeyValueEntry { return w.updates }
func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.stopped) })
	return nil
}

type fakeSource struct {
	watcher *fakeWatcher
	err     error
}

func (s *fakeSource) WatchAll(...nats.WatchOpt) (nats.KeyWatcher, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.watcher, nil
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

// --- Changefeed ---

func TestKVChangefeed_TranslatesEntries(t *testing.T) {
	// Arrange
	watcher := newFakeWatcher()
	feed := newKVChangefeed(&fakeSource{watcher: watcher}, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := feed.Watch(ctx)
	require.NoError(t, err)

	// Act: replay of one member, end-of-replay marker, then live changes
	watcher.updates <- put("gw-a", "10.0.0.1:7200")
	watcher.updates <- nil
	watcher.updates <- put("gw-a", "10.0.0.1:7200") // refresh
	watcher.updates <- put("gw-b", "10.0.0.2:7200")
	watcher.updates <- del("gw-a")
	watcher.updates <- del("gw-unknown")

	// Assert
	assert.Equal(t, Event{Type: EventAdded, Address: "10.0.0.1:7200"}, next(t, events))
	assert.Equal(t, Event{Type: EventAdded, Address: "10.0.0.2:7200"}, next(t, events))
	assert.Equal(t, Event{Type: EventRemoved, Address: "10.0.0.1:7200"}, next(t, events))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKVChangefeed_ClosesOnContextCancel(t *testing.T) {
	watcher := newFakeWatcher()
	feed := newKVChangefeed(&fakeSource{watcher: watcher}, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := feed.Watch(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	select {
	case <-watcher.stopped:
	case <-time.After(time.Second):
		t.Fatal("watcher not stopped")
	}
}

func TestKVChangefeed_ClosesWhenWatchEnds(t *testing.T) {
	watcher := newFakeWatcher()
	feed := newKVChangefeed(&fakeSource{watcher: watcher}, time.Hour, zerolog.Nop())

	events, err := feed.Watch(context.Background())
	require.NoError(t, err)

	close(watcher.updates)

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestKVChangefeed_WatchError(t *testing.T) {
	feed := newKVChangefeed(&fakeSource{err: nats.ErrConnectionClosed}, time.Hour, zerolog.Nop())

	_, err := feed.Watch(context.Background())

	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestKVChangefeed_SweepsExpiredRegistrations(t *testing.T) {
	watcher := newFakeWatcher()
	feed := newKVChangefeed(&fakeSource{watcher: watcher}, 40*time.Millisecond, zerolog.Nop())

	events, err := feed.Watch(context.Background())
	require.NoError(t, err)

	watcher.updates <- put("gw-a", "10.0.0.1:7200")

	assert.Equal(t, EventAdded, next(t, events).Type)
	assert.Equal(t, Event{Type: EventRemoved, Address: "10.0.0.1:7200"}, next(t, events))
}

// --- Membership ---

func TestMembership_RefcountsSharedAddress(t *testing.T) {
	m := newMembership()
	now := time.Now()

	// A restarted gateway registers under a new key before the old one expires
	assert.Len(t, m.apply(put("gw-old", "g1:7200"), now), 1)
	assert.Empty(t, m.apply(put("gw-new", "g1:7200"), now))

	assert.Empty(t, m.apply(del("gw-old"), now), "address still held by gw-new")
	assert.Equal(t, []Event{{Type: EventRemoved, Address: "g1:7200"}}, m.apply(del("gw-new"), now))
	assert.Equal(t, 0, m.size())
}

func TestMembership_AddressChange(t *testing.T) {
	t.Run("releases the old address and acquires the new one", func(t *testing.T) {
		m := newMembership()
		now := time.Now()

		m.apply(put("gw-a", "g1:7200"), now)
		events := m.apply(put("gw-a", "g2:7200"), now)

		assert.Equal(t, []Event{
			{Type: EventRemoved, Address: "g1:7200"},
			{Type: EventAdded, Address: "g2:7200"},
			{Type: EventUpdated, Address: "g2:7200", Previous: "g1:7200"},
		}, events)
		assert.Equal(t, 1, m.size())

		// a later delete removes the address the key now holds
		assert.Equal(t, []Event{{Type: EventRemoved, Address: "g2:7200"}}, m.apply(del("gw-a"), now))
		assert.Equal(t, 0, m.size())
	})

	t.Run("old address still held by another key", func(t *testing.T) {
		m := newMembership()
		now := time.Now()

		m.apply(put("gw-a", "g1:7200"), now)
		m.apply(put("gw-b", "g1:7200"), now)
		m.apply(put("gw-c", "g2:7200"), now)
		events := m.apply(put("gw-a", "g2:7200"), now)

		assert.Equal(t, []Event{{Type: EventUpdated, Address: "g2:7200", Previous: "g1:7200"}}, events)
		assert.Equal(t, 2, m.size())
	})
}

func TestMembership_Expire(t *testing.T) {
	m := newMembership()
	start := time.Now()

	m.apply(put("gw-a", "g1:7200"), start)
	m.apply(put("gw-b", "g2:7200"), start.Add(10*time.Second))

	events := m.expire(start.Add(16*time.Second), 15*time.Second)

	assert.Equal(t, []Event{{Type: EventRemoved, Address: types.GatewayAddress("g1:7200")}}, events)
	assert.Equal(t, 1, m.size())
}

func TestMembership_PurgeRemoves(t *testing.T) {
	m := newMembership()
	now := time.Now()

	m.apply(put("gw-a", "g1:7200"), now)
	events := m.apply(fakeEntry{key: "gw-a", op: nats.KeyValuePurge}, now)

	assert.Equal(t, []Event{{Type: EventRemoved, Address: "g1:7200"}}, events)
}

// --- Registrar ---

type fakeKV struct {
	mu      sync.Mutex
	puts    map[string]int
	values  map[string]string
	deleted []string
	putErr  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{puts: map[string]int{}, values: map[string]string{}}
}

func (kv *fakeKV) Put(key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.putErr != nil {
		return 0, kv.putErr
	}
	kv.puts[key]++
	kv.values[key] = string(value)
	return uint64(kv.puts[key]), nil
}

func (kv *fakeKV) Delete(key string, _ ...nats.DeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.deleted = append(kv.deleted, key)
	delete(kv.values, key)
	return nil
}

func (kv *fakeKV) putCount(key string) int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.puts[key]
}

func TestRegistrar_RefreshesAndDeregisters(t *testing.T) {
	// Arrange
	kv := newFakeKV()
	r := newRegistrar(kv, "10.0.0.1:7200", 30*time.Millisecond, zerolog.Nop())
	require.True(t, strings.HasPrefix(r.Key(), "gw-"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// Act
	go func() { done <- r.Run(ctx) }()

	// Assert
	require.Eventually(t, func() bool { return kv.putCount(r.Key()) >= 3 }, time.Second, 5*time.Millisecond)

	kv.mu.Lock()
	assert.Equal(t, "10.0.0.1:7200", kv.values[r.Key()])
	kv.mu.Unlock()

	cancel()
	require.NoError(t, <-done)

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.Equal(t, []string{r.Key()}, kv.deleted)
}

func TestRegistrar_InitialRegisterFailure(t *testing.T) {
	kv := newFakeKV()
	kv.putErr = errors.New("no responders")
	r := newRegistrar(kv, "10.0.0.1:7200", time.Second, zerolog.Nop())

	err := r.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}

func TestRegistrar_KeysAreUnique(t *testing.T) {
	a := newRegistrar(newFakeKV(), "x:1", time.Second, zerolog.Nop())
	b := newRegistrar(newFakeKV(), "x:1", time.Second, zerolog.Nop())

	assert.NotEqual(t, a.Key(), b.Key())
}
