// Package events is the in-process pub/sub bus that carries engine
// progress to the web hub, the MQTT publisher, the journal and Lua hooks.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	Phase        = "phase"
	PackageFound = "package_found"
	ChannelFound = "channel_found"
	LinkStatus   = "link_status"
	AEN          = "aen"
	Reset        = "reset"
	Ready        = "ready"
	Failed       = "failed"
	FrameDropped = "frame_dropped"
)

// Event is a single notification.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Handler is a callback for events.
type Handler func(Event)

type subscription struct {
	id      uint64
	kind    string // empty for catch-all
	handler Handler
}

// Bus delivers events to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, now: time.Now}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	return b.subscribe(eventType, handler)
}

// OnAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(kind string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit stamps and delivers an event. Handlers run synchronously on the
// caller's goroutine; a panicking handler is recovered and logged.
// A nil bus discards the event.
func (b *Bus) Emit(eventType string, data any) {
	if b == nil {
		return
	}
	ev := Event{Type: eventType, Time: b.now(), Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == eventType {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", eventType, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
