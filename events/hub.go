// Package events is the in-process broadcast channel between the
// components that produce push data (jobs, chat, log tails, supervisor)
// and the WebSocket boundary that forwards it to dashboards.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkops/asaman/logging"
)

// Channel names published over the WebSocket.
const (
	ChannelJobProgress  = "job-progress"
	ChannelArkChat      = "ark-chat"
	ChannelArkLog       = "ark-log-data"
	ChannelContainerLog = "container-log-data"
	ChannelContainerEv  = "container-event"
	ChannelSystemLog    = "system-log-data"
)

// Event is one broadcast payload. Every event carries a type tag and an
// ISO-8601 timestamp next to its channel-specific fields.
type Event map[string]any

// New builds an event with the type tag and timestamp stamped in.
func New(eventType string, fields map[string]any) Event {
	e := make(Event, len(fields)+2)
	for k, v := range fields {
		e[k] = v
	}
	e["type"] = eventType
	e["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return e
}

// Type returns the event's type tag.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Subscriber receives events on C. Slow subscribers drop events rather
// than block producers.
type Subscriber struct {
	C       chan Event
	id      int
	filters map[string]bool // empty means all channels
}

// Wants reports whether the subscriber's filter admits the event type.
func (s *Subscriber) Wants(eventType string) bool {
	if len(s.filters) == 0 {
		return true
	}
	return s.filters[eventType]
}

// Hub fans events out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*Subscriber
	nextID int
	logger *slog.Logger

	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[int]*Subscriber),
		logger: logging.Get("events"),
	}
}

// Subscribe registers a subscriber for the given channels; nil or empty
// means every channel. The returned subscriber must be released with
// Unsubscribe.
func (h *Hub) Subscribe(channels ...string) *Subscriber {
	filters := make(map[string]bool, len(channels))
	for _, ch := range channels {
		filters[ch] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscriber{
		C:       make(chan Event, 256),
		id:      h.nextID,
		filters: filters,
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.C)
	}
}

// Publish delivers an event to every interested subscriber without ever
// blocking. Full subscriber buffers drop the event, with a warning logged
// so operators can spot stuck dashboards.
func (h *Hub) Publish(e Event) {
	eventType := e.Type()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.Wants(eventType) {
			continue
		}
		select {
		case sub.C <- e:
		default:
			h.dropped.Add(1)
			h.logger.Warn("dropping event for slow subscriber", "event_type", eventType, "subscriber", sub.id)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
