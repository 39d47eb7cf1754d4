// Package events fans worker state changes and job progress out to
// in-process listeners such as the SSE endpoint and the terminal view.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a published notification. Data holds the JSON encoding of the
// value passed to Publish.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s subscriber) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers can
// catch up via SnapshotSince.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	ring   []Event
	start  int
	size   int
	closed bool

	subs      map[int]subscriber
	nextSubID int
}

// NewHub returns a hub that retains the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records an event and offers it to every matching subscriber.
// Publishing after Close is a no-op.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, s := range h.subs {
		if !s.wants(eventType) {
			continue
		}
		// A slow subscriber drops events rather than stall the worker.
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. With no prefixes every event is
// delivered; otherwise only types starting with one of them. The returned
// func unsubscribes and closes the channel.
func (h *Hub) Subscribe(prefixes ...string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 128)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = subscriber{ch: ch, prefixes: prefixes}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
