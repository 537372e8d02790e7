// Package relay implements the server side of the relayed transport. Each
// room keeps its own replica of the shared document so late joiners receive
// the full state, and fans every update out to the room's other members.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/logging"
	lognet "musical-multiverse/network/logging/network"
)

const (
	MetricRooms          = "relay_rooms"
	MetricSubscribers    = "relay_subscribers"
	MetricBroadcastBytes = "relay_broadcast_bytes_total"
	MetricBroadcasts     = "relay_broadcast_total"
	MetricDelivered      = "relay_delivered_total"
	MetricSlowSubscriber = "relay_slow_subscriber_total"
	MetricPersistFailed  = "relay_persist_failed_total"
)

var (
	ErrEmptyRoom        = errors.New("relay: room name is required")
	ErrEmptyParticipant = errors.New("relay: participant id is required")
	ErrNotJoined        = errors.New("relay: participant has not joined the room")
)

// Subscriber receives updates for one room member. Send must not block; a
// false return means the update was not queued.
type Subscriber interface {
	Send(update replica.Update) bool
	Close()
}

// RoomRecord is the persisted summary of a room.
type RoomRecord struct {
	Name         string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Store persists room state across relay restarts.
type Store interface {
	SaveEntries(ctx context.Context, room string, entries []replica.Entry, at time.Time) error
	LoadRoom(ctx context.Context, room string) ([]replica.Entry, error)
	Rooms(ctx context.Context) ([]RoomRecord, error)
}

// SessionInfo describes a room for the session listing.
type SessionInfo struct {
	Name         string    `json:"name"`
	Participants int       `json:"participants"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type HubConfig struct {
	Store     Store
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

type room struct {
	// mu orders joins against broadcasts: a joiner either sees an update in
	// its snapshot or is a recipient of it. Taken before Hub.mu.
	mu sync.Mutex

	name       string
	doc        *replica.Doc
	members    map[string]Subscriber
	createdAt  time.Time
	lastActive time.Time
}

// Hub owns every live room and its subscribers.
type Hub struct {
	mu        sync.Mutex
	rooms     map[string]*room
	store     Store
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     logging.Clock
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.ClockFunc(time.Now)
	}
	return &Hub{
		rooms:     make(map[string]*room),
		store:     cfg.Store,
		logger:    logger,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
	}
}

// Join subscribes participant to roomName and returns the room's current
// state for the late-join transfer. A second join by the same participant
// replaces and closes the previous subscriber.
func (h *Hub) Join(ctx context.Context, roomName, participant string, sub Subscriber) (replica.Update, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return replica.Update{}, ErrEmptyRoom
	}
	if participant == "" {
		return replica.Update{}, ErrEmptyParticipant
	}
	if sub == nil {
		return replica.Update{}, fmt.Errorf("relay: subscriber is required")
	}

	r, err := h.room(ctx, roomName)
	if err != nil {
		return replica.Update{}, err
	}

	r.mu.Lock()
	h.mu.Lock()
	previous := r.members[participant]
	r.members[participant] = sub
	r.lastActive = h.clock.Now()
	members := len(r.members)
	h.storeGaugesLocked()
	h.mu.Unlock()
	snapshot := r.doc.Snapshot()
	r.mu.Unlock()

	if previous != nil && previous != sub {
		previous.Close()
	}
	h.logger.Printf("[relay] join room=%s participant=%s members=%d entries=%d", roomName, participant, members, len(snapshot.Entries))
	lognet.PeerJoined(ctx, h.publisher, logging.EntityRef{ID: roomName, Kind: logging.EntityKindRoom},
		lognet.PeerPayload{Participant: participant, Subscribers: members}, nil)
	return snapshot, nil
}

// Leave removes participant if sub is still its active subscriber.
func (h *Hub) Leave(roomName, participant string, sub Subscriber) {
	h.mu.Lock()
	r, ok := h.rooms[roomName]
	if !ok {
		h.mu.Unlock()
		return
	}
	current, ok := r.members[participant]
	if !ok || (sub != nil && current != sub) {
		h.mu.Unlock()
		return
	}
	delete(r.members, participant)
	members := len(r.members)
	h.storeGaugesLocked()
	h.mu.Unlock()

	current.Close()
	h.logger.Printf("[relay] leave room=%s participant=%s members=%d", roomName, participant, members)
	lognet.PeerLeft(context.Background(), h.publisher, logging.EntityRef{ID: roomName, Kind: logging.EntityKindRoom},
		lognet.PeerPayload{Participant: participant, Subscribers: members}, nil)
}

// Broadcast merges update into the room replica, persists it and forwards
// it to every member except the sender. Malformed entries are dropped from
// the merge but reported in the returned error.
func (h *Hub) Broadcast(ctx context.Context, roomName, participant string, update replica.Update, size int) error {
	if update.Empty() {
		return nil
	}
	h.mu.Lock()
	r, ok := h.rooms[roomName]
	h.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}

	r.mu.Lock()
	h.mu.Lock()
	if _, member := r.members[participant]; !member {
		h.mu.Unlock()
		r.mu.Unlock()
		return ErrNotJoined
	}
	now := h.clock.Now()
	r.lastActive = now
	targets := make(map[string]Subscriber, len(r.members))
	for id, sub := range r.members {
		if id != participant {
			targets[id] = sub
		}
	}
	h.mu.Unlock()

	applyErr := r.doc.Apply(update)
	if applyErr != nil {
		h.logger.Printf("[relay] [warn] room=%s participant=%s malformed entries: %v", roomName, participant, applyErr)
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var slow []string
	for _, id := range ids {
		if targets[id].Send(update) {
			h.metrics.Add(MetricDelivered, 1)
			continue
		}
		slow = append(slow, id)
	}
	r.mu.Unlock()

	h.metrics.Add(MetricBroadcasts, 1)
	if size > 0 {
		h.metrics.Add(MetricBroadcastBytes, uint64(size))
	}
	for _, id := range slow {
		h.metrics.Add(MetricSlowSubscriber, 1)
		h.logger.Printf("[relay] [warn] room=%s participant=%s backlog full, dropping update", roomName, id)
		lognet.TransportDrop(ctx, h.publisher, 0, logging.EntityRef{ID: id, Kind: logging.EntityKindPeer},
			lognet.TransportPayload{Entries: len(update.Entries), Reason: "subscriber backlog full"},
			map[string]any{"room": roomName})
	}

	if h.store != nil {
		if err := h.store.SaveEntries(ctx, roomName, update.Entries, now); err != nil {
			h.metrics.Add(MetricPersistFailed, 1)
			h.logger.Printf("[relay] [warn] persist room=%s failed: %v", roomName, err)
		}
	}
	return applyErr
}

// Sessions lists known rooms, most recently active first. Rooms only known
// to the store are included with zero participants.
func (h *Hub) Sessions(ctx context.Context) ([]SessionInfo, error) {
	h.mu.Lock()
	byName := make(map[string]SessionInfo, len(h.rooms))
	for name, r := range h.rooms {
		byName[name] = SessionInfo{Name: name, Participants: len(r.members), LastActiveAt: r.lastActive}
	}
	h.mu.Unlock()

	if h.store != nil {
		records, err := h.store.Rooms(ctx)
		if err != nil {
			return nil, fmt.Errorf("list stored rooms: %w", err)
		}
		for _, record := range records {
			info, live := byName[record.Name]
			if !live {
				byName[record.Name] = SessionInfo{Name: record.Name, LastActiveAt: record.LastActiveAt}
				continue
			}
			if record.LastActiveAt.After(info.LastActiveAt) {
				info.LastActiveAt = record.LastActiveAt
				byName[record.Name] = info
			}
		}
	}

	sessions := make([]SessionInfo, 0, len(byName))
	for _, info := range byName {
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastActiveAt.Equal(sessions[j].LastActiveAt) {
			return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
		}
		return sessions[i].Name < sessions[j].Name
	})
	return sessions, nil
}

// RoomSnapshot returns the relay's replica of roomName.
func (h *Hub) RoomSnapshot(roomName string) (replica.Update, bool) {
	h.mu.Lock()
	r, ok := h.rooms[roomName]
	h.mu.Unlock()
	if !ok {
		return replica.Update{}, false
	}
	return r.doc.Snapshot(), true
}

// Diagnostics summarizes live rooms for the diagnostics endpoint.
func (h *Hub) Diagnostics() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.rooms))
	for name, r := range h.rooms {
		out[name] = len(r.members)
	}
	return out
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	var subs []Subscriber
	for _, r := range h.rooms {
		for id, sub := range r.members {
			subs = append(subs, sub)
			delete(r.members, id)
		}
	}
	h.storeGaugesLocked()
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) room(ctx context.Context, name string) (*room, error) {
	h.mu.Lock()
	if r, ok := h.rooms[name]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	doc := replica.NewDoc("relay:" + name)
	if h.store != nil {
		entries, err := h.store.LoadRoom(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", name, err)
		}
		if len(entries) > 0 {
			if err := doc.Apply(replica.Update{Origin: "store", Entries: entries}); err != nil {
				h.logger.Printf("[relay] [warn] room=%s skipped stored entries: %v", name, err)
			}
		}
	}

	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[name]; ok {
		return r, nil
	}
	r := &room{name: name, doc: doc, members: make(map[string]Subscriber), createdAt: now, lastActive: now}
	h.rooms[name] = r
	h.storeGaugesLocked()
	return r, nil
}

func (h *Hub) storeGaugesLocked() {
	subscribers := 0
	for _, r := range h.rooms {
		subscribers += len(r.members)
	}
	h.metrics.Store(MetricRooms, uint64(len(h.rooms)))
	h.metrics.Store(MetricSubscribers, uint64(subscribers))
}
