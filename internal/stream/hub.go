package stream

import (
	"context"
	"sync"
)

const defaultBuffer = 64

// Hub fans events out to the subscribers of each conversation. Every
// subscriber has a bounded buffer; when it is full the oldest queued event
// is dropped so a slow viewer never blocks the producer.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	onDrop func(Event)
}

type HubOption func(*Hub)

// WithDropHook is called, under the hub lock, for every dropped event.
func WithDropHook(fn func(Event)) HubOption {
	return func(h *Hub) { h.onDrop = fn }
}

func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h := &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
	for _, o := range opts {
		o(h)
	}
	return h
}

type Subscription struct {
	hub            *Hub
	conversationID string
	ch             chan Event
	closed         bool
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() { s.hub.unsubscribe(s) }

func (h *Hub) Subscribe(conversationID string) *Subscription {
	s := &Subscription{hub: h, conversationID: conversationID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[conversationID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := h.subs[s.conversationID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.conversationID)
		}
	}
	close(s.ch)
}

// Subscribers returns the number of live subscriptions for a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// Publish never blocks on subscribers and never fails.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.ConversationID] {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Full: drop the oldest. Only the reader can take from the buffer
		// meanwhile, so the retry finds room.
		select {
		case old := <-s.ch:
			if h.onDrop != nil {
				h.onDrop(old)
			}
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}
