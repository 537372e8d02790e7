// Package journal collects the replica entries written locally during a tick
// and hands them to the transport as one batch.
package journal

import (
	"sort"
	"sync"

	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
)

const (
	metricJournalCoalesced = "journal_coalesced_total"
	metricJournalBatches   = "journal_batches_total"
	metricJournalStale     = "journal_stale_entry_total"
)

// Batch is the outbound unit for one tick.
type Batch struct {
	Seq    uint64
	Tick   uint64
	Update replica.Update
}

// Keys lists the map/key pairs carried by the batch, grouped by map.
func (b Batch) Keys() map[string][]string {
	out := make(map[string][]string)
	for _, entry := range b.Update.Entries {
		out[entry.Map] = append(out[entry.Map], entry.Key)
	}
	for name := range out {
		sort.Strings(out[name])
	}
	return out
}

type entryKey struct {
	m   string
	key string
}

// Journal accumulates local entries between drains. Entries for the same
// map and key coalesce: only the winning write is kept, so the backlog is
// bounded by the number of distinct keys touched.
type Journal struct {
	mu      sync.Mutex
	origin  string
	pending []replica.Entry
	index   map[entryKey]int
	seq     uint64
	metrics telemetry.Metrics
	resync  *Policy
}

// New constructs a journal stamping batches with origin.
func New(origin string, metrics telemetry.Metrics) *Journal {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Journal{
		origin:  origin,
		index:   make(map[entryKey]int),
		metrics: metrics,
		resync:  NewPolicy(),
	}
}

// Append records the entries of a local update.
func (j *Journal) Append(update replica.Update) {
	if j == nil || update.Empty() {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, entry := range update.Entries {
		k := entryKey{m: entry.Map, key: entry.Key}
		if idx, ok := j.index[k]; ok {
			if entry.Supersedes(j.pending[idx]) {
				j.pending[idx] = cloneEntry(entry)
				j.metrics.Add(metricJournalCoalesced, 1)
			} else {
				j.metrics.Add(metricJournalStale, 1)
			}
			continue
		}
		j.index[k] = len(j.pending)
		j.pending = append(j.pending, cloneEntry(entry))
	}
}

// Pending reports how many distinct entries are waiting.
func (j *Journal) Pending() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Snapshot copies the pending entries without draining them.
func (j *Journal) Snapshot() []replica.Entry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]replica.Entry, len(j.pending))
	for i, entry := range j.pending {
		out[i] = cloneEntry(entry)
	}
	return out
}

// Drain returns the pending entries as one batch and clears the journal.
// It reports false when nothing was written since the last drain.
func (j *Journal) Drain(tick uint64) (Batch, bool) {
	if j == nil {
		return Batch{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return Batch{}, false
	}
	j.seq++
	batch := Batch{
		Seq:    j.seq,
		Tick:   tick,
		Update: replica.Update{Origin: j.origin, Entries: j.pending},
	}
	j.pending = nil
	j.index = make(map[entryKey]int)
	j.metrics.Add(metricJournalBatches, 1)
	return batch, true
}

// Resync exposes the drop accounting policy.
func (j *Journal) Resync() *Policy {
	if j == nil {
		return nil
	}
	return j.resync
}

func cloneEntry(entry replica.Entry) replica.Entry {
	if entry.Value != nil {
		entry.Value = append([]byte(nil), entry.Value...)
	}
	return entry
}
