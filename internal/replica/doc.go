// Package replica provides the replicated document handle consumed by the
// synchronization engine: a document of named last-writer-wins maps whose
// mutations are observable and exchanged between peers as Update deltas.
//
// Ordering is per key. Each write carries a Lamport clock and the id of the
// replica that produced it; the higher clock wins and ties go to the larger
// replica id, so every replica that has seen the same set of entries holds the
// same value for every key regardless of delivery order.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrEmptyKey is returned when a write targets the empty key.
	ErrEmptyKey = errors.New("replica: empty key")
	// ErrEmptyValue is returned when Set is called without a value.
	ErrEmptyValue = errors.New("replica: empty value")
	// ErrEmptyMap is returned when a remote entry names no map.
	ErrEmptyMap = errors.New("replica: empty map name")
)

// Action identifies how a key changed.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change describes the transition of one key inside an Event.
type Change struct {
	Action   Action
	OldValue json.RawMessage
}

// Event is delivered to map observers after a transaction has been applied.
type Event struct {
	Map     string
	Origin  string
	Local   bool
	Changes map[string]Change
}

// Keys returns the changed keys in lexical order.
func (e Event) Keys() []string {
	keys := make([]string, 0, len(e.Changes))
	for key := range e.Changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Observer receives map events synchronously.
type Observer func(Event)

// Entry is the replicated unit: the latest write for one key of one map.
type Entry struct {
	Map     string          `json:"map"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Clock   uint64          `json:"clock"`
	Replica string          `json:"replica"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Supersedes reports whether e wins over other under last-writer-wins.
func (e Entry) Supersedes(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Replica > other.Replica
}

// Update is a batch of entries exchanged between replicas.
type Update struct {
	Origin  string  `json:"origin"`
	Entries []Entry `json:"entries"`
}

// Empty reports whether the update carries no entries.
func (u Update) Empty() bool {
	return len(u.Entries) == 0
}

// Doc owns the named maps of one replica.
type Doc struct {
	mu        sync.Mutex
	replicaID string
	clock     uint64
	maps      map[string]*Map
	hooks     []updateHook
	nextHook  int
}

type updateHook struct {
	id int
	fn func(Update)
}

// NewDoc constructs an empty document for the given replica id.
func NewDoc(replicaID string) *Doc {
	return &Doc{
		replicaID: replicaID,
		maps:      make(map[string]*Map),
	}
}

// ReplicaID returns the id stamped on local writes.
func (d *Doc) ReplicaID() string {
	if d == nil {
		return ""
	}
	return d.replicaID
}

// Clock returns the current Lamport clock.
func (d *Doc) Clock() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// Map returns the named map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]Entry)}
		d.maps[name] = m
	}
	return m
}

// OnLocalUpdate registers fn to receive every update produced by a local
// write. The returned function unregisters it.
func (d *Doc) OnLocalUpdate(fn func(Update)) func() {
	if d == nil || fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextHook++
	id := d.nextHook
	d.hooks = append(d.hooks, updateHook{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, hook := range d.hooks {
			if hook.id == id {
				d.hooks = append(d.hooks[:i:i], d.hooks[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns every entry, tombstones included, ordered by map and key.
func (d *Doc) Snapshot() Update {
	if d == nil {
		return Update{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.maps))
	for name := range d.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	update := Update{Origin: d.replicaID}
	for _, name := range names {
		m := d.maps[name]
		keys := make([]string, 0, len(m.entries))
		for key := range m.entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			update.Entries = append(update.Entries, cloneEntry(m.entries[key]))
		}
	}
	return update
}

// Apply merges a remote update. Entries that lose under last-writer-wins are
// ignored. Observers of each touched map receive one event describing the net
// change of the batch. Malformed entries are skipped and reported in the
// returned error; the valid remainder is still applied.
func (d *Doc) Apply(update Update) error {
	if d == nil {
		return nil
	}
	type touched struct {
		before Entry
		had    bool
	}
	var errs []error
	order := make([]string, 0, 2)
	byMap := make(map[string]map[string]touched)

	d.mu.Lock()
	for i, entry := range update.Entries {
		if entry.Map == "" {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, ErrEmptyMap))
			continue
		}
		if entry.Key == "" {
			errs = append(errs, fmt.Errorf("entry %d map=%s: %w", i, entry.Map, ErrEmptyKey))
			continue
		}
		if !entry.Deleted && len(entry.Value) == 0 {
			errs = append(errs, fmt.Errorf("entry %d map=%s key=%s: %w", i, entry.Map, entry.Key, ErrEmptyValue))
			continue
		}
		if entry.Clock > d.clock {
			d.clock = entry.Clock
		}
		m := d.mapLocked(entry.Map)
		current, ok := m.entries[entry.Key]
		if ok && !entry.Supersedes(current) {
			continue
		}
		keys, seen := byMap[entry.Map]
		if !seen {
			keys = make(map[string]touched)
			byMap[entry.Map] = keys
			order = append(order, entry.Map)
		}
		if _, recorded := keys[entry.Key]; !recorded {
			keys[entry.Key] = touched{before: current, had: ok && !current.Deleted}
		}
		m.entries[entry.Key] = cloneEntry(entry)
	}

	local := update.Origin != "" && update.Origin == d.replicaID
	type delivery struct {
		event     Event
		observers []Observer
	}
	deliveries := make([]delivery, 0, len(order))
	for _, name := range order {
		m := d.maps[name]
		changes := make(map[string]Change)
		for key, t := range byMap[name] {
			after := m.entries[key]
			has := !after.Deleted
			switch {
			case !t.had && has:
				changes[key] = Change{Action: ActionAdd}
			case t.had && has:
				changes[key] = Change{Action: ActionUpdate, OldValue: t.before.Value}
			case t.had && !has:
				changes[key] = Change{Action: ActionDelete, OldValue: t.before.Value}
			}
		}
		if len(changes) == 0 {
			continue
		}
		deliveries = append(deliveries, delivery{
			event:     Event{Map: name, Origin: update.Origin, Local: local, Changes: changes},
			observers: m.observersLocked(),
		})
	}
	d.mu.Unlock()

	for _, del := range deliveries {
		for _, observer := range del.observers {
			observer(del.event)
		}
	}
	return errors.Join(errs...)
}

func (d *Doc) localWrite(m *Map, key string, value json.RawMessage, deleted bool) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if !deleted && len(value) == 0 {
		return false, ErrEmptyValue
	}
	d.mu.Lock()
	current, ok := m.entries[key]
	had := ok && !current.Deleted
	if deleted && !had {
		d.mu.Unlock()
		return false, nil
	}
	d.clock++
	entry := Entry{
		Map:     m.name,
		Key:     key,
		Clock:   d.clock,
		Replica: d.replicaID,
		Deleted: deleted,
	}
	if !deleted {
		entry.Value = append(json.RawMessage(nil), value...)
	}
	m.entries[key] = entry

	var change Change
	switch {
	case deleted:
		change = Change{Action: ActionDelete, OldValue: current.Value}
	case had:
		change = Change{Action: ActionUpdate, OldValue: current.Value}
	default:
		change = Change{Action: ActionAdd}
	}
	event := Event{
		Map:     m.name,
		Origin:  d.replicaID,
		Local:   true,
		Changes: map[string]Change{key: change},
	}
	observers := m.observersLocked()
	hooks := make([]func(Update), 0, len(d.hooks))
	for _, hook := range d.hooks {
		hooks = append(hooks, hook.fn)
	}
	d.mu.Unlock()

	for _, observer := range observers {
		observer(event)
	}
	if len(hooks) > 0 {
		update := Update{Origin: d.replicaID, Entries: []Entry{entry}}
		for _, hook := range hooks {
			hook(update)
		}
	}
	return true, nil
}

func cloneEntry(entry Entry) Entry {
	if entry.Value != nil {
		entry.Value = append(json.RawMessage(nil), entry.Value...)
	}
	return entry
}
