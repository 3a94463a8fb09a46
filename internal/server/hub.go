package server

import (
	"sync"

	"github.com/michaelbrown/rlm/internal/sandbox"
)

const subscriberBuffer = 64

// EventHub fans sandbox events out to per-session subscribers. It is a
// sandbox.Observer; register it on the manager before serving.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan sandbox.Event]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		subs: make(map[string]map[chan sandbox.Event]struct{}),
	}
}

// OnEvent delivers e to the session's subscribers. A subscriber whose
// buffer is full misses the event.
func (h *EventHub) OnEvent(e sandbox.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[e.SessionID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for one session and a function
// that ends the subscription. The channel is closed on cancel or CloseAll.
func (h *EventHub) Subscribe(sessionID string) (<-chan sandbox.Event, func()) {
	ch := make(chan sandbox.Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan sandbox.Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sessionID][ch]; !ok {
				return
			}
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports how many streams are open for a session.
func (h *EventHub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// CloseAll ends every subscription.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, chans := range h.subs {
		for ch := range chans {
			close(ch)
		}
		delete(h.subs, id)
	}
}
