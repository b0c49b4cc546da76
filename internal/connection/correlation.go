package connection

import (
	"encoding/json"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// PendingMessage is an outbound request transmitted but not yet acknowledged
// by the peer.
type PendingMessage struct {
	ID         string
	Verb       string
	Raw        json.RawMessage
	EnqueuedAt time.Time
}

// CorrelationTable tracks in-flight requests awaiting acknowledgment.
// Entries survive reconnects and are retransmitted, not dropped.
type CorrelationTable struct {
	entries cmap.ConcurrentMap[string, PendingMessage]
}

// NewCorrelationTable creates an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		entries: cmap.New[PendingMessage](),
	}
}

// Add registers a pending message under its request id.
func (t *CorrelationTable) Add(p PendingMessage) {
	if p.ID == "" {
		return
	}
	t.entries.Set(p.ID, p)
}

// Remove drops the entry for the given id, reporting whether it existed.
func (t *CorrelationTable) Remove(id string) bool {
	if id == "" {
		return false
	}
	_, existed := t.entries.Get(id)
	t.entries.Remove(id)
	return existed
}

// Count returns the number of unacknowledged requests.
func (t *CorrelationTable) Count() int {
	return t.entries.Count()
}

// IsEmpty reports whether every transmitted request has been acknowledged.
func (t *CorrelationTable) IsEmpty() bool {
	return t.entries.IsEmpty()
}

// Pending returns all unacknowledged messages in transmission order.
func (t *CorrelationTable) Pending() []PendingMessage {
	out := make([]PendingMessage, 0, t.entries.Count())
	for item := range t.entries.IterBuffered() {
		out = append(out, item.Val)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}
