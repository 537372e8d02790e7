// Package mirror keeps a peer's live entities and one replicated map in step.
//
// A Mirror owns the registry of materialized entities for one entity kind.
// Outbound, Sync publishes owned entities whose state changed since the last
// transmitted snapshot. Inbound, ApplyRemote overwrites a registered entity
// with a peer's state without marking it dirty, so the write is never echoed.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"musical-multiverse/network/internal/entity"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/logging"
	lognet "musical-multiverse/network/logging/network"
)

const (
	MetricPublished      = "sync_published_total"
	MetricUnchanged      = "sync_unchanged_total"
	MetricDeferred       = "sync_deferred_total"
	MetricApplied        = "sync_applied_total"
	MetricApplyAbsent    = "sync_apply_absent_total"
	MetricApplyIdentical = "sync_apply_identical_total"
	MetricMalformed      = "sync_malformed_total"
	MetricPublishFailed  = "sync_publish_failed_total"
)

var (
	ErrNilEntity = errors.New("mirror: nil entity")
	ErrEmptyID   = errors.New("mirror: entity id is empty")
	ErrNilMap    = errors.New("mirror: replicated map is required")
)

// ApplyResult reports what ApplyRemote did with a remote state.
type ApplyResult int

const (
	// Applied means the entity's state was overwritten.
	Applied ApplyResult = iota
	// Absent means no entity with that id is registered; nothing happened.
	Absent
	// Identical means the state matched what the entity already holds.
	Identical
	// Malformed means the payload could not be decoded or validated.
	Malformed
	// Rejected means the entity refused the state (wrong id, kind or type).
	Rejected
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Absent:
		return "absent"
	case Identical:
		return "identical"
	case Malformed:
		return "malformed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SyncResult summarizes one Sync pass.
type SyncResult struct {
	Published int
	Unchanged int
	Deferred  int
	Failed    int
}

// Config wires a Mirror to its map and ambient collaborators.
type Config struct {
	Kind entity.Kind
	Map  *replica.Map
	// Owns reports whether this peer is responsible for publishing id.
	// Nil means every registered entity is owned.
	Owns func(id string) bool
	// Budget caps publishes per Sync. Entities over budget stay dirty and
	// go out on a later tick. Zero means unlimited.
	Budget    int
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

type Mirror struct {
	kind      entity.Kind
	m         *replica.Map
	owns      func(id string) bool
	budget    int
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics

	mu       sync.Mutex
	registry map[string]entity.Entity
	order    []string
	sent     map[string]json.RawMessage
	stale    map[string]struct{}
	// authored holds ids whose current replicated value was written here.
	authored map[string]struct{}
	tick     uint64
}

func New(cfg Config) (*Mirror, error) {
	if cfg.Map == nil {
		return nil, ErrNilMap
	}
	switch cfg.Kind {
	case entity.KindNode, entity.KindPlayer:
	default:
		return nil, fmt.Errorf("%w: %q", entity.ErrUnknownKind, cfg.Kind)
	}
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
	return &Mirror{
		kind:      cfg.Kind,
		m:         cfg.Map,
		owns:      cfg.Owns,
		budget:    cfg.Budget,
		logger:    logger,
		publisher: publisher,
		metrics:   metrics,
		registry:  make(map[string]entity.Entity),
		sent:      make(map[string]json.RawMessage),
		stale:     make(map[string]struct{}),
		authored:  make(map[string]struct{}),
	}, nil
}

func (m *Mirror) Kind() entity.Kind {
	if m == nil {
		return ""
	}
	return m.kind
}

// Map exposes the replicated map this mirror writes to.
func (m *Mirror) Map() *replica.Map {
	if m == nil {
		return nil
	}
	return m.m
}

// RegisterLocal inserts e into the registry. Registering an id that is
// already present is a no-op; the first object stays authoritative.
func (m *Mirror) RegisterLocal(e entity.Entity) error {
	if m == nil {
		return nil
	}
	if e == nil {
		return ErrNilEntity
	}
	id := e.ID()
	if id == "" {
		return ErrEmptyID
	}
	if e.Kind() != m.kind {
		return fmt.Errorf("%w: mirror holds %s, got %s", entity.ErrKindMismatch, m.kind, e.Kind())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.registry[id]; ok {
		if existing != e {
			m.logger.Printf("[sync] duplicate register kind=%s id=%s kept=existing", m.kind, id)
		}
		return nil
	}
	m.registry[id] = e
	m.order = append(m.order, id)
	if raw, ok := m.m.Get(id); ok {
		m.sent[id] = raw
	}
	return nil
}

// Publish writes e's current state into the replicated map and records it
// as the last transmitted snapshot.
func (m *Mirror) Publish(e entity.Entity) error {
	if m == nil {
		return nil
	}
	if e == nil {
		return ErrNilEntity
	}
	// Cleared before the snapshot so a concurrent mutation stays dirty.
	e.ClearModified()
	state := e.State()
	if err := state.Validate(); err != nil {
		return err
	}
	raw, err := entity.Encode(state)
	if err != nil {
		return err
	}
	return m.write(state.ID(), raw)
}

func (m *Mirror) write(id string, raw json.RawMessage) error {
	if err := m.m.Set(id, raw); err != nil {
		m.metrics.Add(MetricPublishFailed, 1)
		m.mu.Lock()
		if _, ok := m.registry[id]; ok {
			m.stale[id] = struct{}{}
		}
		m.mu.Unlock()
		return fmt.Errorf("publish %s %s: %w", m.kind, id, err)
	}
	m.mu.Lock()
	m.sent[id] = raw
	delete(m.stale, id)
	if _, ok := m.registry[id]; ok {
		m.authored[id] = struct{}{}
	}
	tick := m.tick
	m.mu.Unlock()
	m.metrics.Add(MetricPublished, 1)
	lognet.EntityPublished(context.Background(), m.publisher, tick, m.ref(id), lognet.EntityPayload{Map: m.m.Name(), Key: id, Bytes: len(raw)}, nil)
	return nil
}

// Create registers e and publishes it immediately.
func (m *Mirror) Create(e entity.Entity) error {
	if err := m.RegisterLocal(e); err != nil {
		return err
	}
	return m.Publish(e)
}

// Authored reports whether the current replicated value of id was written
// by this peer.
func (m *Mirror) Authored(id string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.authored[id]
	return ok
}

func (m *Mirror) Lookup(id string) (entity.Entity, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.registry[id]
	return e, ok
}

// IDs lists registered ids in registration order.
func (m *Mirror) IDs() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Mirror) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// Entities returns the registered entities in registration order.
func (m *Mirror) Entities() []entity.Entity {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.Entity, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.registry[id])
	}
	return out
}

// Forget drops id from the local registry only. The replicated map is not
// touched, so peers keep their copies.
func (m *Mirror) Forget(id string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registry[id]; !ok {
		return false
	}
	delete(m.registry, id)
	delete(m.sent, id)
	delete(m.stale, id)
	delete(m.authored, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// ApplyRemote overwrites the registered entity id with a peer's state.
// It never creates entities and never returns an error: failures are
// reported through the result, logs and metrics.
func (m *Mirror) ApplyRemote(id string, raw json.RawMessage) ApplyResult {
	if m == nil {
		return Absent
	}
	m.mu.Lock()
	e, ok := m.registry[id]
	last := m.sent[id]
	tick := m.tick
	m.mu.Unlock()

	payload := lognet.EntityPayload{Map: m.m.Name(), Key: id, Bytes: len(raw)}
	if !ok {
		m.metrics.Add(MetricApplyAbsent, 1)
		m.logger.Printf("[sync] [warn] update for unregistered %s id=%s", m.kind, id)
		lognet.ApplyAbsent(context.Background(), m.publisher, tick, m.ref(id), payload, nil)
		return Absent
	}

	state, err := entity.Decode(m.kind, raw)
	if err == nil {
		err = state.Validate()
	}
	if err != nil {
		m.metrics.Add(MetricMalformed, 1)
		m.logger.Printf("[sync] [warn] malformed %s state id=%s: %v", m.kind, id, err)
		payload.Reason = err.Error()
		lognet.MalformedState(context.Background(), m.publisher, tick, m.ref(id), payload, nil)
		return Malformed
	}

	canonical, err := entity.Encode(state)
	if err != nil {
		m.metrics.Add(MetricMalformed, 1)
		return Malformed
	}
	if bytes.Equal(canonical, last) || state.Equal(e.State()) {
		m.mu.Lock()
		m.sent[id] = canonical
		m.mu.Unlock()
		m.metrics.Add(MetricApplyIdentical, 1)
		return Identical
	}

	if err := e.SetState(state); err != nil {
		m.metrics.Add(MetricMalformed, 1)
		m.logger.Printf("[sync] [warn] %s id=%s rejected remote state: %v", m.kind, id, err)
		payload.Reason = err.Error()
		lognet.MalformedState(context.Background(), m.publisher, tick, m.ref(id), payload, nil)
		return Rejected
	}

	m.mu.Lock()
	m.sent[id] = canonical
	delete(m.authored, id)
	m.mu.Unlock()
	m.metrics.Add(MetricApplied, 1)
	lognet.RemoteApplied(context.Background(), m.publisher, tick, m.ref(id), payload, nil)
	return Applied
}

// Invalidate forces id to be republished on the next Sync even if clean.
func (m *Mirror) Invalidate(id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registry[id]; ok {
		m.stale[id] = struct{}{}
	}
}

// InvalidateAll marks every owned entity whose replicated value was last
// written by this peer stale and reports how many. Entities only ever
// received from peers are left to their authors.
func (m *Mirror) InvalidateAll() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range m.order {
		if _, mine := m.authored[id]; mine && m.isOwned(id) {
			m.stale[id] = struct{}{}
			count++
		}
	}
	return count
}

type pending struct {
	id     string
	e      entity.Entity
	raw    json.RawMessage
	forced bool
}

// Sync runs one publish pass over the owned entities. A clean entity is
// skipped without encoding. A dirty entity is compared structurally with
// the last transmitted snapshot and only written when it differs. Entities
// past the budget are left untouched for a later pass.
func (m *Mirror) Sync(tick uint64) SyncResult {
	var result SyncResult
	if m == nil {
		return result
	}

	m.mu.Lock()
	m.tick = tick
	candidates := make([]pending, 0, len(m.order))
	for _, id := range m.order {
		if !m.isOwned(id) {
			continue
		}
		e := m.registry[id]
		_, forced := m.stale[id]
		if !forced && !e.Modified() {
			continue
		}
		candidates = append(candidates, pending{id: id, e: e, forced: forced})
	}
	m.mu.Unlock()

	for _, c := range candidates {
		if m.budget > 0 && result.Published >= m.budget {
			result.Deferred++
			continue
		}
		// Cleared before the snapshot: a mutation racing this pass marks
		// the entity dirty again and is published on the next one.
		c.e.ClearModified()
		state := c.e.State()
		if err := state.Validate(); err != nil {
			result.Failed++
			m.logger.Printf("[sync] [warn] skipping invalid %s id=%s: %v", m.kind, c.id, err)
			continue
		}
		raw, err := entity.Encode(state)
		if err != nil {
			result.Failed++
			m.logger.Printf("[sync] [warn] encode %s id=%s: %v", m.kind, c.id, err)
			continue
		}

		m.mu.Lock()
		last, hasLast := m.sent[c.id]
		m.mu.Unlock()
		if !c.forced && hasLast && bytes.Equal(raw, last) {
			result.Unchanged++
			continue
		}

		if err := m.write(c.id, raw); err != nil {
			result.Failed++
			m.logger.Printf("[sync] [warn] %v", err)
			continue
		}
		result.Published++
	}

	if result.Unchanged > 0 {
		m.metrics.Add(MetricUnchanged, uint64(result.Unchanged))
	}
	if result.Deferred > 0 {
		m.metrics.Add(MetricDeferred, uint64(result.Deferred))
	}
	return result
}

func (m *Mirror) isOwned(id string) bool {
	if m.owns == nil {
		return true
	}
	return m.owns(id)
}

func (m *Mirror) ref(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKind(m.kind)}
}
