// Package events fans supervisor lifecycle events out to live subscribers
// (SSE clients, the watch TUI) and keeps a short replay buffer for late joiners.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/plughost/internal/supervisor"
)

// LifecyclePrefix prefixes the Type of events derived from supervisor lifecycle changes.
const LifecyclePrefix = "lifecycle."

type Event struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Plugin string          `json:"plugin,omitempty"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType, plugin string, data any) Event {
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:     id,
		Type:   eventType,
		Plugin: plugin,
		At:     time.Now().UTC(),
		Data:   payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block the supervisor.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
	return ev
}

// OnLifecycle makes the hub a supervisor.Observer.
func (h *Hub) OnLifecycle(ev supervisor.LifecycleEvent) {
	h.Publish(LifecyclePrefix+string(ev.Kind), ev.Plugin, ev)
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned. A non-empty
// plugin restricts the snapshot to that plugin.
func (h *Hub) SnapshotSince(lastID int64, plugin string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID != 0 && ev.ID <= lastID {
			continue
		}
		if plugin != "" && ev.Plugin != plugin {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
