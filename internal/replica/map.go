package replica

import (
	"encoding/json"
	"sort"
)

// Map is one named last-writer-wins map inside a Doc.
type Map struct {
	doc          *Doc
	name         string
	entries      map[string]Entry
	observers    []observerEntry
	nextObserver int
}

type observerEntry struct {
	id int
	fn Observer
}

// Name returns the map name shared by all replicas.
func (m *Map) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// Get returns a copy of the live value stored under key.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.Deleted {
		return nil, false
	}
	return append(json.RawMessage(nil), entry.Value...), true
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set writes value under key and notifies observers and update hooks.
func (m *Map) Set(key string, value json.RawMessage) error {
	if m == nil {
		return nil
	}
	_, err := m.doc.localWrite(m, key, value, false)
	return err
}

// Delete tombstones key. Deleting an absent key is a no-op.
func (m *Map) Delete(key string) error {
	if m == nil {
		return nil
	}
	_, err := m.doc.localWrite(m, key, nil, true)
	return err
}

// Keys returns the live keys in lexical order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if entry.Deleted {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of live keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	count := 0
	for _, entry := range m.entries {
		if !entry.Deleted {
			count++
		}
	}
	return count
}

// Observe registers fn for every event on this map. Observers run
// synchronously in registration order. The returned function unregisters fn.
func (m *Map) Observe(fn Observer) func() {
	if m == nil || fn == nil {
		return func() {}
	}
	m.doc.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})
	m.doc.mu.Unlock()
	return func() {
		m.doc.mu.Lock()
		defer m.doc.mu.Unlock()
		for i, observer := range m.observers {
			if observer.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

func (m *Map) observersLocked() []Observer {
	if len(m.observers) == 0 {
		return nil
	}
	observers := make([]Observer, len(m.observers))
	for i, observer := range m.observers {
		observers[i] = observer.fn
	}
	return observers
}
