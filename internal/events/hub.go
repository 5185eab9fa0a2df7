// Package events is an in-memory pub/sub of execution lifecycle events with a
// small ring buffer so late subscribers can catch up.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the service.
const (
	TypeAccepted    = "execution.accepted"
	TypeState       = "execution.state"
	TypeFinished    = "execution.finished"
	TypeCallback    = "execution.callback"
	TypeQueueState  = "queue.status"
	TypeMaintenance = "maintenance.run"
)

type Event struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id,omitempty"`
	At          time.Time       `json:"at"`
	Data        json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers without letting slow clients block producers.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event. A nil Hub is a no-op.
func (h *Hub) Publish(eventType, executionID string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	// IDs are assigned under the lock so the ring and every subscriber see
	// them in increasing order; Last-Event-ID resume depends on it.
	h.mu.Lock()
	h.nextID++
	ev := Event{
		ID:          h.nextID,
		Type:        eventType,
		ExecutionID: executionID,
		At:          time.Now().UTC(),
		Data:        payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
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
