// Package router turns replicated map events into local effects.
//
// An add for an unknown id is announced to listeners so a factory can
// materialize the entity; an update is applied to the registered entity
// through its mirror; a delete is logged and otherwise left alone. Events
// produced by this replica's own writes never reach the mirror.
package router

import (
	"context"
	"fmt"
	"sync"

	"musical-multiverse/network/internal/entity"
	"musical-multiverse/network/internal/mirror"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/logging"
	lognet "musical-multiverse/network/logging/network"
)

const (
	MetricAddSuppressed  = "router_add_suppressed_total"
	MetricSelfSuppressed = "router_self_suppressed_total"
	MetricDeleteIgnored  = "router_delete_ignored_total"
	MetricLocalSkipped   = "router_local_skipped_total"
	MetricListenerPanic  = "router_listener_panic_total"
)

// Outcome reports how one key of a map event was handled.
type Outcome int

const (
	// Notified means listeners received an add (or an applied update).
	Notified Outcome = iota
	// Duplicate means an add named an id that is already registered.
	Duplicate
	// SelfSuppressed means the key is the local participant's own player.
	SelfSuppressed
	// Applied means an update overwrote the registered entity.
	Applied
	// Identical means an update carried the state the entity already has.
	Identical
	// Absent means an update named an id that was never materialized.
	Absent
	// Malformed means the value was missing, undecodable or rejected.
	Malformed
	// DeleteIgnored means a delete was observed and left inert.
	DeleteIgnored
	// Panicked means a listener panicked while handling the key.
	Panicked
)

func (o Outcome) String() string {
	switch o {
	case Notified:
		return "notified"
	case Duplicate:
		return "duplicate"
	case SelfSuppressed:
		return "self_suppressed"
	case Applied:
		return "applied"
	case Identical:
		return "identical"
	case Absent:
		return "absent"
	case Malformed:
		return "malformed"
	case DeleteIgnored:
		return "delete_ignored"
	case Panicked:
		return "panicked"
	default:
		return "unknown"
	}
}

// Notification is what listeners receive for one key.
type Notification struct {
	Action replica.Action
	ID     string
	State  entity.State
	Origin string
}

// Listener handles notifications synchronously, in registration order.
type Listener func(Notification)

// Result pairs a key with its handling outcome.
type Result struct {
	Key     string
	Outcome Outcome
}

type Config struct {
	Mirror *mirror.Mirror
	// LocalID is the participant id whose events are never ingested. Only
	// meaningful for the player router.
	LocalID   string
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

type listenerEntry struct {
	id int
	fn Listener
}

type Router struct {
	mirror    *mirror.Mirror
	localID   string
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    int
	tick      uint64
}

func New(cfg Config) (*Router, error) {
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("router: mirror is required")
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
	return &Router{
		mirror:    cfg.Mirror,
		localID:   cfg.LocalID,
		logger:    logger,
		publisher: publisher,
		metrics:   metrics,
	}, nil
}

// Listen registers fn and returns a function that removes it.
func (r *Router) Listen(fn Listener) func() {
	if r == nil || fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, entry := range r.listeners {
				if entry.id == id {
					r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Attach subscribes the router to its mirror's replicated map.
func (r *Router) Attach() func() {
	if r == nil {
		return func() {}
	}
	return r.mirror.Map().Observe(func(event replica.Event) {
		r.HandleEvent(event)
	})
}

// SetTick records the current tick for emitted diagnostics.
func (r *Router) SetTick(tick uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tick = tick
	r.mu.Unlock()
}

// HandleEvent routes every key of a map event. Events produced by this
// replica's own writes are skipped entirely.
func (r *Router) HandleEvent(event replica.Event) []Result {
	if r == nil {
		return nil
	}
	keys := event.Keys()
	if event.Local {
		r.metrics.Add(MetricLocalSkipped, uint64(len(keys)))
		return nil
	}
	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		outcome := r.route(key, event.Changes[key].Action, event.Origin)
		results = append(results, Result{Key: key, Outcome: outcome})
	}
	return results
}

// OnMapEvent handles one key of a remote map event.
func (r *Router) OnMapEvent(key string, action replica.Action) Outcome {
	if r == nil {
		return Absent
	}
	return r.route(key, action, "")
}

func (r *Router) route(key string, action replica.Action, origin string) (outcome Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.metrics.Add(MetricListenerPanic, 1)
			r.logger.Printf("[router] [error] listener panic map=%s key=%s action=%s: %v", r.mirror.Map().Name(), key, action, recovered)
			lognet.ListenerPanic(context.Background(), r.publisher, r.currentTick(), r.ref(key), r.payload(key, fmt.Sprint(recovered)), nil)
			outcome = Panicked
		}
	}()

	if r.localID != "" && key == r.localID {
		r.metrics.Add(MetricSelfSuppressed, 1)
		lognet.SelfSuppressed(context.Background(), r.publisher, r.currentTick(), r.ref(key), r.payload(key, string(action)), nil)
		return SelfSuppressed
	}

	switch action {
	case replica.ActionAdd:
		return r.handleAdd(key, origin)
	case replica.ActionUpdate:
		return r.handleUpdate(key, origin)
	case replica.ActionDelete:
		r.metrics.Add(MetricDeleteIgnored, 1)
		r.logger.Printf("[router] delete ignored map=%s key=%s: removal is not propagated", r.mirror.Map().Name(), key)
		lognet.DeleteIgnored(context.Background(), r.publisher, r.currentTick(), r.ref(key), r.payload(key, "delete propagation unsupported"), nil)
		return DeleteIgnored
	default:
		r.logger.Printf("[router] [warn] unknown action %q map=%s key=%s", action, r.mirror.Map().Name(), key)
		return Malformed
	}
}

func (r *Router) handleAdd(key, origin string) Outcome {
	if _, ok := r.mirror.Lookup(key); ok {
		r.metrics.Add(MetricAddSuppressed, 1)
		lognet.AddSuppressed(context.Background(), r.publisher, r.currentTick(), r.ref(key), r.payload(key, ""), nil)
		return Duplicate
	}
	state, ok := r.decode(key)
	if !ok {
		return Malformed
	}
	r.notify(Notification{Action: replica.ActionAdd, ID: key, State: state, Origin: origin})
	return Notified
}

func (r *Router) handleUpdate(key, origin string) Outcome {
	raw, ok := r.mirror.Map().Get(key)
	if !ok {
		r.malformed(key, "value missing")
		return Malformed
	}
	switch r.mirror.ApplyRemote(key, raw) {
	case mirror.Applied:
		if e, found := r.mirror.Lookup(key); found {
			r.notify(Notification{Action: replica.ActionUpdate, ID: key, State: e.State(), Origin: origin})
		}
		return Applied
	case mirror.Identical:
		return Identical
	case mirror.Absent:
		return Absent
	default:
		return Malformed
	}
}

func (r *Router) decode(key string) (entity.State, bool) {
	raw, ok := r.mirror.Map().Get(key)
	if !ok {
		r.malformed(key, "value missing")
		return entity.State{}, false
	}
	state, err := entity.Decode(r.mirror.Kind(), raw)
	if err == nil {
		err = state.Validate()
	}
	if err == nil && state.ID() != key {
		err = fmt.Errorf("%w: key %s carries id %s", entity.ErrIDMismatch, key, state.ID())
	}
	if err != nil {
		r.malformed(key, err.Error())
		return entity.State{}, false
	}
	return state, true
}

func (r *Router) malformed(key, reason string) {
	r.metrics.Add(mirror.MetricMalformed, 1)
	r.logger.Printf("[router] [warn] malformed map=%s key=%s: %s", r.mirror.Map().Name(), key, reason)
	lognet.MalformedState(context.Background(), r.publisher, r.currentTick(), r.ref(key), r.payload(key, reason), nil)
}

func (r *Router) notify(n Notification) {
	r.mu.Lock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, entry := range r.listeners {
		listeners = append(listeners, entry.fn)
	}
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(n)
	}
}

func (r *Router) currentTick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

func (r *Router) ref(key string) logging.EntityRef {
	return logging.EntityRef{ID: key, Kind: logging.EntityKind(r.mirror.Kind())}
}

func (r *Router) payload(key, reason string) lognet.EntityPayload {
	return lognet.EntityPayload{Map: r.mirror.Map().Name(), Key: key, Reason: reason}
}
