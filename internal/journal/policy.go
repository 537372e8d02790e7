package journal

import (
	"fmt"
	"sync"
)

type ResyncReason struct {
	Kind string
	Map  string
	Key  string
}

type ResyncSignal struct {
	Dropped      uint64
	TotalEntries uint64
	Reasons      []ResyncReason
}

// Policy watches the ratio of dropped to sent entries and asks for a full
// republish once drops become significant. A reconnect always asks.
type Policy struct {
	mu           sync.Mutex
	totalEntries uint64
	dropped      uint64
	pending      bool
	reasons      []ResyncReason
}

const droppedThresholdPerTenThousand = 100
const resyncReasonLimit = 8

func NewPolicy() *Policy {
	return &Policy{reasons: make([]ResyncReason, 0, resyncReasonLimit)}
}

// NoteSent records entries handed to the transport.
func (p *Policy) NoteSent(entries int) {
	if p == nil || entries <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.totalEntries > ^uint64(0)-uint64(entries) {
		p.totalEntries = p.totalEntries / 2
		p.dropped = p.dropped / 2
	}
	p.totalEntries += uint64(entries)
}

// NoteDropped records a batch the transport refused.
func (p *Policy) NoteDropped(batch Batch, kind string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := uint64(len(batch.Update.Entries))
	p.dropped += n
	p.totalEntries += n
	for _, entry := range batch.Update.Entries {
		if len(p.reasons) >= resyncReasonLimit {
			break
		}
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, Map: entry.Map, Key: entry.Key})
	}
	p.evaluateLocked()
}

// Request forces a resync, for example after the transport reconnected.
func (p *Policy) Request(kind string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = true
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind})
	}
}

func (p *Policy) evaluateLocked() {
	if p.pending || p.dropped == 0 {
		return
	}
	total := p.totalEntries
	if total == 0 {
		total = 1
	}
	if p.dropped*10000 >= total*droppedThresholdPerTenThousand {
		p.pending = true
	}
}

// Consume returns the pending signal once and resets the counters.
func (p *Policy) Consume() (ResyncSignal, bool) {
	if p == nil {
		return ResyncSignal{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Dropped:      p.dropped,
		TotalEntries: p.totalEntries,
		Reasons:      append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalEntries = 0
	p.dropped = 0
	p.reasons = p.reasons[:0]
	return signal, true
}

func (s ResyncSignal) Summary() string {
	if s.Dropped == 0 && s.TotalEntries == 0 && len(s.Reasons) == 0 {
		return ""
	}
	return fmt.Sprintf("dropped=%d total_entries=%d reasons=%v", s.Dropped, s.TotalEntries, s.Reasons)
}
