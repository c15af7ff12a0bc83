package notify

import (
	"context"
	"sync"
	"time"
)

// Message is what the hub delivers to a subscriber.
type Message struct {
	Type      Event  `json:"type"`
	RequestID string `json:"request_id"`
	At        string `json:"at"`
}

// Hub delivers per-request change signals to live waiters. Delivery is
// best effort: a full subscriber buffer drops the signal, and waiters re-read
// the store anyway.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Message]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Message]struct{}{}}
}

// Subscribe returns a channel receiving signals for requestID.
func (h *Hub) Subscribe(requestID string, buffer int) chan Message {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	set, ok := h.subs[requestID]
	if !ok {
		set = map[chan Message]struct{}{}
		h.subs[requestID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(requestID string, ch chan Message) {
	h.mu.Lock()
	set := h.subs[requestID]
	_, exists := set[ch]
	if exists {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, requestID)
		}
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Notify implements Notifier.
func (h *Hub) Notify(_ context.Context, requestID string, ev Event) {
	msg := Message{Type: ev, RequestID: requestID, At: time.Now().UTC().Format(time.RFC3339Nano)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[requestID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for requestID.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}
