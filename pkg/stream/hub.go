package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one scheduler lifecycle notification. Seq is stamped by the hub
// at publish time and is strictly increasing, so a consumer that fell
// behind can detect the gap instead of silently missing refreshes.
type Event struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	evt := Event{Type: eventType, At: time.Now().UTC()}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

// Hub fans refresh events out to live subscribers. Delivery is best effort:
// a subscriber that cannot keep up loses events rather than stalling the
// scheduler that publishes them.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	dropped uint64
	subs    map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes the channel. Safe to call more than once.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	evt.Seq = h.seq
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped++
		}
	}
}

// Dropped reports deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
