// Package stream fans task events out to attached shells as encoded
// protocol envelopes.
package stream

import (
	"encoding/json"
	"log"
	"sync"
)

const defaultSubscriberBuffer = 64

// Hub broadcasts encoded envelopes to every subscriber. Sends never
// block: a subscriber whose buffer is full is dropped and has to
// resubscribe, so one stalled shell cannot hold up the rest.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan []byte)}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel func. The channel is closed on cancel, on drop, and on hub
// close.
func (h *Hub) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan []byte, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast encodes the envelope once and hands it to every subscriber.
func (h *Hub) Broadcast(envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("stream: encode envelope: %v", err)
		return
	}

	h.mu.Lock()
	for id, sub := range h.subs {
		select {
		case sub <- data:
		default:
			delete(h.subs, id)
			close(sub)
			log.Printf("stream: dropped subscriber %d (buffer full)", id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}
