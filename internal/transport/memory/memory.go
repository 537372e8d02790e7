// Package memory connects sessions through an in-process relay hub. It is
// the transport used by headless tests and by peers embedded in the relay
// process.
package memory

import (
	"context"
	"sync"

	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/internal/transport"
)

const defaultBacklog = 256

type Config struct {
	// Backlog bounds the updates queued for delivery to this participant.
	Backlog int
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Transport is an in-process relay client.
type Transport struct {
	hub     *relay.Hub
	backlog int
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu          sync.Mutex
	room        string
	participant string
	sub         *subscriber
	closed      bool
	wg          sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(hub *relay.Hub, cfg Config) *Transport {
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Transport{hub: hub, backlog: backlog, logger: logger, metrics: metrics}
}

// Connect joins the hub room and delivers the room snapshot before
// returning.
func (t *Transport) Connect(ctx context.Context, room, participant string, deliver transport.Deliver) error {
	if t == nil || t.hub == nil {
		return transport.ErrNotConnected
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.sub != nil {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	sub := &subscriber{queue: make(chan replica.Update, t.backlog), done: make(chan struct{})}
	t.sub = sub
	t.mu.Unlock()

	snapshot, err := t.hub.Join(ctx, room, participant, sub)
	if err != nil {
		t.mu.Lock()
		t.sub = nil
		t.mu.Unlock()
		return err
	}
	if !snapshot.Empty() {
		deliver(snapshot)
	}

	t.mu.Lock()
	t.room = room
	t.participant = participant
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pump(sub, deliver)
	t.logger.Printf("[transport] memory connected room=%s participant=%s", room, participant)
	return nil
}

func (t *Transport) pump(sub *subscriber, deliver transport.Deliver) {
	defer t.wg.Done()
	for {
		select {
		case update := <-sub.queue:
			t.metrics.Add(transport.MetricReceived, uint64(len(update.Entries)))
			deliver(update)
		case <-sub.done:
			return
		}
	}
}

// Send broadcasts update to the other members of the room.
func (t *Transport) Send(update replica.Update) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	room, participant, connected := t.room, t.participant, t.sub != nil && !t.closed
	t.mu.Unlock()
	if !connected || room == "" {
		t.metrics.Add(transport.MetricDropped, uint64(len(update.Entries)))
		return false
	}
	if err := t.hub.Broadcast(context.Background(), room, participant, update, 0); err != nil {
		t.metrics.Add(transport.MetricDropped, uint64(len(update.Entries)))
		t.logger.Printf("[transport] [warn] memory broadcast room=%s failed: %v", room, err)
		return false
	}
	t.metrics.Add(transport.MetricSent, uint64(len(update.Entries)))
	return true
}

// Close leaves the room and stops delivery. Updates already queued are
// discarded.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub, room, participant := t.sub, t.room, t.participant
	t.mu.Unlock()

	if sub != nil {
		t.hub.Leave(room, participant, sub)
		sub.Close()
	}
	t.wg.Wait()
	return nil
}

type subscriber struct {
	queue chan replica.Update
	once  sync.Once
	done  chan struct{}
}

func (s *subscriber) Send(update replica.Update) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- update:
		return true
	default:
		return false
	}
}

func (s *subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}
