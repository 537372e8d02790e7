package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/internal/entity"
	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/router"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/internal/tick"
	"musical-multiverse/network/internal/transport"
	"musical-multiverse/network/internal/transport/memory"
	lognet "musical-multiverse/network/logging/network"
	"musical-multiverse/network/logging/sinks"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

func fastLoop() tick.LoopConfig {
	cfg := tick.DefaultLoopConfig()
	cfg.TickRate = 200
	return cfg
}

func newPeer(t *testing.T, hub *relay.Hub, participant string, configure func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		ParticipantID: participant,
		Transport:     memory.New(hub, memory.Config{}),
		Loop:          fastLoop(),
	}
	if configure != nil {
		configure(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func nodePosition(t *testing.T, s *Session, id string) (entity.Vector3, bool) {
	t.Helper()
	e, ok := s.Node(id)
	if !ok {
		return entity.Vector3{}, false
	}
	return e.State().Node.Position, true
}

func TestRemoteNodeConvergesAcrossPeers(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	alice := newPeer(t, hub, "alice", nil)
	bob := newPeer(t, hub, "bob", nil)
	require.NoError(t, alice.Connect(ctx, "studio"))
	require.NoError(t, bob.Connect(ctx, "studio"))

	node := entity.NewNode(entity.NodeState{ID: "node-1", Type: "oscillator"})
	require.NoError(t, alice.CreateNode(node))

	require.Eventually(t, func() bool {
		_, ok := bob.Node("node-1")
		return ok
	}, waitFor, poll, "bob should materialize node-1")

	node.Move(entity.Vector3{X: 1})
	require.Eventually(t, func() bool {
		pos, _ := nodePosition(t, bob, "node-1")
		return pos == entity.Vector3{X: 1}
	}, waitFor, poll, "bob should observe the move")

	assert.False(t, node.Modified(), "publishing clears the dirty flag")
	remote, _ := bob.Node("node-1")
	assert.False(t, remote.Modified(), "a remote apply never marks the entity dirty")
}

func TestLateJoinerReceivesExistingEntities(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	alice := newPeer(t, hub, "alice", nil)
	require.NoError(t, alice.Connect(ctx, "studio"))
	require.NoError(t, alice.CreateNode(entity.NewNode(entity.NodeState{ID: "node-2", Type: "oscillator", Position: entity.Vector3{X: 2}})))

	require.Eventually(t, func() bool {
		snapshot, ok := hub.RoomSnapshot("studio")
		return ok && len(snapshot.Entries) == 1
	}, waitFor, poll)

	carol := newPeer(t, hub, "carol", nil)
	require.NoError(t, carol.Connect(ctx, "studio"))

	pos, ok := nodePosition(t, carol, "node-2")
	require.True(t, ok, "existing nodes are materialized before Connect returns")
	assert.Equal(t, entity.Vector3{X: 2}, pos)
}

func TestRemoteAddNotifiesListenersAfterMaterializing(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	alice := newPeer(t, hub, "alice", nil)
	bob := newPeer(t, hub, "bob", nil)

	var mu sync.Mutex
	var seen []router.Notification
	var registered atomic.Bool
	bob.OnNodeChange(func(n router.Notification) {
		_, ok := bob.Node(n.ID)
		registered.Store(ok)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	require.NoError(t, alice.Connect(ctx, "studio"))
	require.NoError(t, bob.Connect(ctx, "studio"))
	require.NoError(t, alice.CreateNode(entity.NewNode(entity.NodeState{ID: "node-3", Type: "reverb"})))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, poll)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, replica.ActionAdd, seen[0].Action)
	assert.Equal(t, "reverb", seen[0].State.Node.Type)
	assert.Equal(t, "alice", seen[0].Origin)
	assert.True(t, registered.Load(), "the factory runs before user listeners")
}

func TestManualMaterializeLeavesAddsToListeners(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	alice := newPeer(t, hub, "alice", nil)
	bob := newPeer(t, hub, "bob", func(cfg *Config) { cfg.ManualMaterialize = true })

	bob.OnNodeChange(func(n router.Notification) {
		if n.Action != replica.ActionAdd {
			return
		}
		node, err := entity.NodeFromState(n.State)
		if err == nil {
			_ = bob.AddRemoteNode(node)
		}
	})
	require.NoError(t, alice.Connect(ctx, "studio"))
	require.NoError(t, bob.Connect(ctx, "studio"))

	node := entity.NewNode(entity.NodeState{ID: "node-4", Type: "delay"})
	require.NoError(t, alice.CreateNode(node))
	require.Eventually(t, func() bool {
		_, ok := bob.Node("node-4")
		return ok
	}, waitFor, poll)

	node.SetParameter("feedback", 0.5)
	require.Eventually(t, func() bool {
		e, ok := bob.Node("node-4")
		return ok && e.State().Node.Parameters["feedback"] == 0.5
	}, waitFor, poll)
}

func TestPlayersSyncWithoutSelfApplication(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	metrics := telemetry.NewMemoryMetrics()
	alice := newPeer(t, hub, "alice", nil)
	bob := newPeer(t, hub, "bob", func(cfg *Config) { cfg.Metrics = metrics })

	require.NoError(t, alice.Connect(ctx, "studio"))
	require.NoError(t, bob.Connect(ctx, "studio"))

	alicePlayer := entity.NewPlayer(entity.PlayerState{ID: "alice"})
	require.NoError(t, alice.SetLocalPlayer(alicePlayer))
	require.NoError(t, bob.UpdatePlayerState(entity.PlayerState{Position: entity.Vector3{Z: 3}}))

	require.Eventually(t, func() bool {
		_, ok := bob.Player("alice")
		return ok
	}, waitFor, poll)
	require.Eventually(t, func() bool {
		_, ok := alice.Player("bob")
		return ok
	}, waitFor, poll)

	alicePlayer.Move(entity.Vector3{X: 4}, entity.Vector3{Z: 1})
	require.Eventually(t, func() bool {
		p, ok := bob.Player("alice")
		return ok && p.State().Player.Position == entity.Vector3{X: 4}
	}, waitFor, poll)

	local, ok := bob.LocalPlayer()
	require.True(t, ok)
	assert.Equal(t, entity.Vector3{Z: 3}, local.State().Player.Position)
	assert.Len(t, bob.Players(), 2)
	assert.Len(t, alice.Players(), 2)
}

func TestForeignPlayerIsRefused(t *testing.T) {
	s := newPeer(t, relay.NewHub(relay.HubConfig{}), "alice", nil)
	assert.ErrorIs(t, s.SetLocalPlayer(entity.NewPlayer(entity.PlayerState{ID: "bob"})), ErrForeignPlayer)
	assert.ErrorIs(t, s.UpdatePlayerState(entity.PlayerState{ID: "bob"}), ErrForeignPlayer)
	assert.ErrorIs(t, s.AddRemotePlayer(entity.NewPlayer(entity.PlayerState{ID: "alice"})), ErrForeignPlayer)
}

func TestModificationStatusReachesPeers(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	alice := newPeer(t, hub, "alice", nil)
	bob := newPeer(t, hub, "bob", nil)

	received := make(chan Modification, 4)
	bob.OnModificationChange(func(m Modification) { received <- m })
	alice.OnModificationChange(func(Modification) { t.Error("local modification echoed to its writer") })

	require.NoError(t, alice.Connect(ctx, "studio"))
	require.NoError(t, bob.Connect(ctx, "studio"))
	require.NoError(t, alice.SendModification("node-1", true))

	select {
	case m := <-received:
		assert.Equal(t, Modification{NodeID: "node-1", IsModified: true, ParticipantID: "alice"}, m)
	case <-time.After(waitFor):
		t.Fatal("modification status never arrived")
	}
	m, ok := bob.Modification("node-1")
	require.True(t, ok)
	assert.True(t, m.IsModified)
}

func TestDroppedBatchIsRepublished(t *testing.T) {
	tr := newScriptedTransport()
	events := sinks.NewMemorySink()
	s, err := New(Config{ParticipantID: "alice", Transport: tr, Loop: fastLoop(), Publisher: events})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.Connect(context.Background(), "studio"))
	require.NoError(t, s.CreateNode(entity.NewNode(entity.NodeState{ID: "node-1", Type: "oscillator"})))

	require.Eventually(t, func() bool { return tr.refused.Load() > 0 }, waitFor, poll)
	tr.accept.Store(true)
	require.Eventually(t, func() bool { return tr.sentKey("node-1") }, waitFor, poll)
	assert.NotEmpty(t, events.OfType(lognet.EventTransportDrop))
}

func TestRefusedModificationIsRetried(t *testing.T) {
	tr := newScriptedTransport()
	s, err := New(Config{ParticipantID: "alice", Transport: tr, Loop: fastLoop()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.Connect(context.Background(), "studio"))
	require.NoError(t, s.SendModification("node-7", true))

	require.Eventually(t, func() bool { return tr.refused.Load() > 1 }, waitFor, poll)
	assert.False(t, tr.sentKey("node-7"))
	tr.accept.Store(true)
	require.Eventually(t, func() bool { return tr.sentKey("node-7") }, waitFor, poll, "a refused modification goes out once the transport accepts")
}

func TestReconnectTriggersResync(t *testing.T) {
	tr := newScriptedTransport()
	tr.accept.Store(true)
	metrics := telemetry.NewMemoryMetrics()
	s, err := New(Config{ParticipantID: "alice", Transport: tr, Loop: fastLoop(), Metrics: metrics})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.Connect(context.Background(), "studio"))
	require.NoError(t, s.CreateNode(entity.NewNode(entity.NodeState{ID: "node-1", Type: "oscillator"})))
	require.Eventually(t, func() bool { return tr.sentKey("node-1") }, waitFor, poll)

	tr.reset()
	tr.reconnect()
	require.Eventually(t, func() bool { return tr.sentKey("node-1") }, waitFor, poll, "owned nodes are republished after a reconnect")
	assert.Equal(t, uint64(1), metrics.Value(MetricResync))
}

func TestReconnectLeavesForeignNodesToTheirAuthor(t *testing.T) {
	tr := newScriptedTransport()
	tr.accept.Store(true)
	metrics := telemetry.NewMemoryMetrics()
	s, err := New(Config{ParticipantID: "alice", Transport: tr, Loop: fastLoop(), Metrics: metrics})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.Connect(context.Background(), "studio"))
	require.NoError(t, s.CreateNode(entity.NewNode(entity.NodeState{ID: "alice-node", Type: "oscillator"})))

	bob := replica.NewDoc("bob")
	raw, err := entity.Encode(entity.NodeStateOf(entity.NodeState{ID: "bob-node", Type: "reverb"}))
	require.NoError(t, err)
	require.NoError(t, bob.Map(NodesMap).Set("bob-node", raw))
	tr.receive(bob.Snapshot())
	require.Eventually(t, func() bool {
		_, ok := s.Node("bob-node")
		return ok && tr.sentKey("alice-node")
	}, waitFor, poll)

	tr.reset()
	tr.reconnect()
	require.Eventually(t, func() bool { return tr.sentKey("alice-node") }, waitFor, poll)
	assert.Equal(t, uint64(1), metrics.Value(MetricResync))
	assert.False(t, tr.sentKey("bob-node"), "a node received from a peer is not republished")
}

func TestConnectAndCloseLifecycle(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	ctx := context.Background()
	s := newPeer(t, hub, "alice", nil)

	assert.ErrorIs(t, s.Connect(ctx, ""), ErrEmptyRoom)
	assert.ErrorIs(t, s.Do(ctx, func() {}), ErrNotConnected)
	require.NoError(t, s.Connect(ctx, "studio"))
	assert.ErrorIs(t, s.Connect(ctx, "studio"), ErrAlreadyConnected)
	assert.Equal(t, "studio", s.Room())

	ran := false
	require.NoError(t, s.Do(ctx, func() { ran = true }))
	assert.True(t, ran)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, hub.Diagnostics()["studio"])
	assert.ErrorIs(t, s.CreateNode(entity.NewNode(entity.NodeState{Type: "oscillator"})), ErrClosed)
	assert.ErrorIs(t, s.Connect(ctx, "studio"), ErrClosed)
	assert.ErrorIs(t, s.Do(ctx, func() {}), ErrClosed)
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	tr := newScriptedTransport()
	tr.accept.Store(true)
	cfg := fastLoop()
	cfg.TickRate = 1
	s, err := New(Config{ParticipantID: "alice", Transport: tr, Loop: cfg})
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background(), "studio"))
	require.NoError(t, s.SendModification("node-9", true))
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, tr.sentKey("node-9"))
}

func TestClosePublishesEntitiesModifiedAfterLastTick(t *testing.T) {
	tr := newScriptedTransport()
	tr.accept.Store(true)
	cfg := fastLoop()
	cfg.TickRate = 1
	s, err := New(Config{ParticipantID: "alice", Transport: tr, Loop: cfg})
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background(), "studio"))
	node := entity.NewNode(entity.NodeState{ID: "node-1", Type: "oscillator"})
	require.NoError(t, s.CreateNode(node))
	node.Move(entity.Vector3{X: 5})
	require.NoError(t, s.Close(context.Background()))

	raw, ok := tr.lastValue("node-1")
	require.True(t, ok)
	state, err := entity.Decode(entity.KindNode, raw)
	require.NoError(t, err)
	assert.Equal(t, entity.Vector3{X: 5}, state.Node.Position)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Transport: newScriptedTransport()})
	assert.Error(t, err)
	_, err = New(Config{ParticipantID: "alice"})
	assert.Error(t, err)
}

// scriptedTransport accepts or refuses sends on demand and lets tests fire
// reconnect hooks.
type scriptedTransport struct {
	accept  atomic.Bool
	refused atomic.Int64

	mu      sync.Mutex
	sent    []replica.Entry
	hooks   []func()
	deliver transport.Deliver
}

var (
	_ transport.Transport   = (*scriptedTransport)(nil)
	_ transport.Reconnecter = (*scriptedTransport)(nil)
)

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{}
}

func (s *scriptedTransport) Connect(_ context.Context, _ string, _ string, deliver transport.Deliver) error {
	s.mu.Lock()
	s.deliver = deliver
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) receive(update replica.Update) {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	deliver(update)
}

func (s *scriptedTransport) Send(update replica.Update) bool {
	if !s.accept.Load() {
		s.refused.Add(1)
		return false
	}
	s.mu.Lock()
	s.sent = append(s.sent, update.Entries...)
	s.mu.Unlock()
	return true
}

func (s *scriptedTransport) Close() error { return nil }

func (s *scriptedTransport) OnReconnect(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *scriptedTransport) reconnect() {
	s.mu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *scriptedTransport) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

func (s *scriptedTransport) sentKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.sent {
		if entry.Key == key {
			return true
		}
	}
	return false
}

func (s *scriptedTransport) lastValue(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Key == key {
			return s.sent[i].Value, true
		}
	}
	return nil, false
}
