package journal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
)

func entry(m, key, value string, clock uint64) replica.Entry {
	return replica.Entry{Map: m, Key: key, Value: json.RawMessage(value), Clock: clock, Replica: "a"}
}

func TestJournalCoalescesPerKey(t *testing.T) {
	metrics := telemetry.NewMemoryMetrics()
	j := New("a", metrics)

	j.Append(replica.Update{Origin: "a", Entries: []replica.Entry{entry("nodes", "n1", `1`, 1)}})
	j.Append(replica.Update{Origin: "a", Entries: []replica.Entry{entry("nodes", "n2", `2`, 2)}})
	j.Append(replica.Update{Origin: "a", Entries: []replica.Entry{entry("nodes", "n1", `3`, 3)}})
	j.Append(replica.Update{Origin: "a", Entries: []replica.Entry{entry("nodes", "n1", `0`, 1)}})
	j.Append(replica.Update{Origin: "a", Entries: []replica.Entry{entry("players", "n1", `4`, 4)}})

	assert.Equal(t, 3, j.Pending())
	batch, ok := j.Drain(9)
	require.True(t, ok)
	assert.EqualValues(t, 1, batch.Seq)
	assert.EqualValues(t, 9, batch.Tick)
	assert.Equal(t, "a", batch.Update.Origin)

	first := batch.Update.Entries[0]
	assert.Equal(t, "n1", first.Key, "coalesced key keeps its first position")
	assert.Equal(t, `3`, string(first.Value))
	keys := batch.Keys()
	assert.Len(t, keys["nodes"], 2)
	assert.Len(t, keys["players"], 1)
	assert.EqualValues(t, 1, metrics.Value(metricJournalCoalesced))
	assert.EqualValues(t, 1, metrics.Value(metricJournalStale))

	_, ok = j.Drain(10)
	assert.False(t, ok, "journal is empty after a drain")
	j.Append(replica.Update{Entries: []replica.Entry{entry("nodes", "n1", `5`, 5)}})
	next, _ := j.Drain(11)
	assert.EqualValues(t, 2, next.Seq)
}

func TestJournalRequeuedEntryLosesToNewerWrite(t *testing.T) {
	j := New("a", nil)
	j.Append(replica.Update{Entries: []replica.Entry{entry("mods", "n1", `"new"`, 7)}})
	j.Append(replica.Update{Entries: []replica.Entry{entry("mods", "n1", `"old"`, 4)}})
	batch, ok := j.Drain(1)
	require.True(t, ok)
	require.Len(t, batch.Update.Entries, 1)
	assert.Equal(t, `"new"`, string(batch.Update.Entries[0].Value))
}

func TestJournalSnapshotIsACopy(t *testing.T) {
	j := New("a", nil)
	j.Append(replica.Update{Entries: []replica.Entry{entry("nodes", "n1", `{"x":1}`, 1)}})
	snap := j.Snapshot()
	snap[0].Value[2] = 'y'
	batch, _ := j.Drain(1)
	assert.Equal(t, `{"x":1}`, string(batch.Update.Entries[0].Value), "snapshot mutation leaked into journal")
}

func TestPolicyTripsOnDropRatio(t *testing.T) {
	p := NewPolicy()
	p.NoteSent(1000)
	p.NoteDropped(Batch{Update: replica.Update{Entries: []replica.Entry{entry("nodes", "n1", `1`, 1)}}}, "transport_full")
	_, ok := p.Consume()
	assert.False(t, ok, "a single drop among many sends should not trigger a resync")

	drop := Batch{Update: replica.Update{Entries: make([]replica.Entry, 20)}}
	p.NoteDropped(drop, "transport_full")
	signal, ok := p.Consume()
	require.True(t, ok, "sustained drops trigger a resync")
	assert.EqualValues(t, 21, signal.Dropped)
	assert.NotEmpty(t, signal.Summary())
	_, ok = p.Consume()
	assert.False(t, ok, "a signal is consumed once")
}

func TestPolicyRequestForcesResync(t *testing.T) {
	p := NewPolicy()
	p.Request("reconnect")
	signal, ok := p.Consume()
	require.True(t, ok)
	require.Len(t, signal.Reasons, 1)
	assert.Equal(t, "reconnect", signal.Reasons[0].Kind)

	var nilPolicy *Policy
	nilPolicy.Request("ignored")
	_, ok = nilPolicy.Consume()
	assert.False(t, ok)
}
