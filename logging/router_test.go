package logging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/logging"
	"musical-multiverse/network/logging/network"
	"musical-multiverse/network/logging/sinks"
)

type flakySink struct {
	mu     sync.Mutex
	fails  int
	events []logging.Event
}

func (s *flakySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *flakySink) Close(context.Context) error { return nil }

type discardPrinter struct{}

func (discardPrinter) Printf(string, ...any) {}

func TestRouterDeliversAboveMinimumSeverity(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"participant": "p-1"}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	router, err := logging.NewRouter(logging.ClockFunc(func() time.Time { return fixed }), cfg,
		[]logging.NamedSink{{Name: "memory", Sink: memory}}, logging.WithFallback(discardPrinter{}))
	require.NoError(t, err)

	ref := logging.EntityRef{ID: "node-1", Kind: logging.EntityKindNode}
	network.EntityPublished(context.Background(), router, 1, ref, network.EntityPayload{Map: "audioNodes3D", Key: "node-1"}, nil)
	network.ApplyAbsent(context.Background(), router, 2, ref, network.EntityPayload{Map: "audioNodes3D", Key: "node-1"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, router.Close(ctx))

	events := memory.Events()
	require.Len(t, events, 1, "only the warning passes the info floor")
	event := events[0]
	assert.Equal(t, network.EventApplyAbsent, event.Type)
	assert.True(t, event.Time.Equal(fixed), "router clock stamps the event")
	assert.Equal(t, "p-1", event.Extra["participant"])
	stats := router.Stats()
	assert.EqualValues(t, 1, stats.EventsTotal)
	assert.EqualValues(t, 1, stats.ByCategory[logging.CategorySync])
}

func TestRouterRetriesFailingSink(t *testing.T) {
	sink := &flakySink{fails: 1}
	router, err := logging.NewRouter(nil, logging.Config{MinimumSeverity: logging.SeverityDebug},
		[]logging.NamedSink{{Name: "flaky", Sink: sink}}, logging.WithFallback(discardPrinter{}))
	require.NoError(t, err)
	ref := logging.EntityRef{ID: "room-a", Kind: logging.EntityKindRoom}
	network.PeerJoined(context.Background(), router, ref, network.PeerPayload{Participant: "a", Subscribers: 1}, nil)
	network.PeerLeft(context.Background(), router, ref, network.PeerPayload{Participant: "a"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, router.Close(ctx))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, network.EventPeerLeft, sink.events[0].Type, "the event after the failure is delivered")
}

func TestWithRoomStampsEvents(t *testing.T) {
	memory := sinks.NewMemorySink()
	pub := logging.WithRoom(memory, "studio", map[string]any{"replica": "r1"})
	network.DeleteIgnored(context.Background(), pub, 3, logging.EntityRef{ID: "node-9", Kind: logging.EntityKindNode}, network.EntityPayload{Key: "node-9"}, map[string]any{"replica": "override"})

	events := memory.OfType(network.EventDeleteIgnored)
	require.Len(t, events, 1)
	assert.Equal(t, "studio", events[0].Room)
	assert.Equal(t, "override", events[0].Extra["replica"], "event fields win over decorator fields")
}

func TestParseSeverity(t *testing.T) {
	sev, err := logging.ParseSeverity("WARNING")
	require.NoError(t, err)
	assert.Equal(t, logging.SeverityWarn, sev)
	_, err = logging.ParseSeverity("chatty")
	assert.Error(t, err)
}
