package events

import (
	"sync"
	"sync/atomic"

	"github.com/ent0n29/buddytalk/internal/protocol"
)

const defaultBuffer = 32

// Hub fans generation events out to websocket subscribers.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*Subscription
	dropped atomic.Uint64
}

// Subscription receives events until Close is called.
type Subscription struct {
	id     uint64
	hub    *Hub
	ch     chan protocol.GenerationEvent
	mu     sync.RWMutex
	filter string
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]*Subscription{}}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:  h.nextID,
		hub: h,
		ch:  make(chan protocol.GenerationEvent, buffer),
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(evt protocol.GenerationEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (s *Subscription) Events() <-chan protocol.GenerationEvent { return s.ch }

// SetFilter limits delivery to one character; empty means all.
func (s *Subscription) SetFilter(characterID string) {
	s.mu.Lock()
	s.filter = characterID
	s.mu.Unlock()
}

func (s *Subscription) wants(evt protocol.GenerationEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter == "" || s.filter == evt.CharacterID
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}
