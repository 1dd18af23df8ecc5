// Package stream fans broker events out to live subscribers such as the
// operator dashboard websocket.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeAudit             = "audit"
	TypeApprovalSubmitted = "approval.submitted"
	TypeApprovalResolved  = "approval.resolved"
	TypeApprovalExpired   = "approval.expired"
	TypeKeyRotated        = "credential.key_rotated"
	TypeRevoked           = "credential.revoked"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Publisher is what event producers depend on. Producers never learn who,
// if anyone, is listening.
type Publisher interface {
	Publish(evt Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

func NewEvent(eventType string, data interface{}) Event {
	return NewEventAt(eventType, time.Now(), data)
}

func NewEventAt(eventType string, at time.Time, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
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

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was behind.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
