package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayws "musical-multiverse/network/internal/net/ws"
	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/internal/transport"
)

type inbox struct {
	mu      sync.Mutex
	updates []replica.Update
	signal  chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 64)}
}

func (i *inbox) deliver(update replica.Update) {
	i.mu.Lock()
	i.updates = append(i.updates, update)
	i.mu.Unlock()
	select {
	case i.signal <- struct{}{}:
	default:
	}
}

func (i *inbox) keys() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var keys []string
	for _, update := range i.updates {
		for _, entry := range update.Entries {
			keys = append(keys, entry.Key)
		}
	}
	return keys
}

func (i *inbox) waitFor(t *testing.T, key string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, k := range i.keys() {
			if k == key {
				return
			}
		}
		select {
		case <-i.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %s, have %v", key, i.keys())
		}
	}
}

func startRelay(t *testing.T) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(relay.HubConfig{})
	handler := relayws.NewHandler(hub, relayws.HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	cfg.Metrics = telemetry.NewMemoryMetrics()
	client, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func entry(key string, clock uint64) replica.Update {
	return replica.Update{Origin: "alice", Entries: []replica.Entry{{
		Map: "audioNodes3D", Key: key, Value: json.RawMessage(`{"id":"` + key + `"}`), Clock: clock, Replica: "alice",
	}}}
}

func TestClientExchangesUpdatesThroughRelay(t *testing.T) {
	_, url := startRelay(t)
	ctx := context.Background()

	alice, aliceInbox := newClient(t, url), newInbox()
	require.NoError(t, alice.Connect(ctx, "studio", "alice", aliceInbox.deliver))
	bob, bobInbox := newClient(t, url), newInbox()
	require.NoError(t, bob.Connect(ctx, "studio", "bob", bobInbox.deliver))

	require.True(t, alice.Send(entry("node-1", 1)))
	bobInbox.waitFor(t, "node-1")
	assert.NotContains(t, aliceInbox.keys(), "node-1", "the relay never echoes to the sender")
}

func TestClientReceivesSnapshotOnConnect(t *testing.T) {
	hub, url := startRelay(t)
	ctx := context.Background()
	_, err := hub.Join(ctx, "studio", "seed", nopSubscriber{})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(ctx, "studio", "seed", entry("node-1", 1), 0))

	client, in := newClient(t, url), newInbox()
	require.NoError(t, client.Connect(ctx, "studio", "carol", in.deliver))
	assert.Equal(t, []string{"node-1"}, in.keys(), "snapshot is delivered before Connect returns")
	assert.True(t, client.Connected())
}

func TestClientReconnectsAfterRelayDropsLink(t *testing.T) {
	hub, url := startRelay(t)
	ctx := context.Background()

	client, in := newClient(t, url), newInbox()
	reconnected := make(chan struct{}, 1)
	client.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	require.NoError(t, client.Connect(ctx, "studio", "alice", in.deliver))

	hub.Close()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.Eventually(t, func() bool { return hub.Diagnostics()["studio"] == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientMeasuresRoundTrip(t *testing.T) {
	_, url := startRelay(t)
	client, in := newClient(t, url), newInbox()
	require.NoError(t, client.Connect(context.Background(), "studio", "alice", in.deliver))

	assert.Eventually(t, func() bool {
		metrics := client.metrics.(*telemetry.MemoryMetrics)
		_, seen := metrics.Snapshot()[MetricRTTMillis]
		return seen
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectFailsWhenRelayRefuses(t *testing.T) {
	_, url := startRelay(t)
	client, in := newClient(t, url), newInbox()
	err := client.Connect(context.Background(), "", "alice", in.deliver)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshake))
}

func TestClientCloseIsIdempotent(t *testing.T) {
	_, url := startRelay(t)
	client, in := newClient(t, url), newInbox()
	require.NoError(t, client.Connect(context.Background(), "studio", "alice", in.deliver))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, client.Send(entry("node-1", 1)))
	assert.ErrorIs(t, client.Connect(context.Background(), "studio", "alice", in.deliver), transport.ErrClosed)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt < 6; attempt++ {
		delay := NextBackoffDelay(cfg, attempt, rng)
		assert.LessOrEqual(t, delay, time.Duration(1.5*float64(time.Second)))
		assert.Greater(t, delay, time.Duration(0))
	}
}

type nopSubscriber struct{}

func (nopSubscriber) Send(replica.Update) bool { return true }
func (nopSubscriber) Close()                   {}
