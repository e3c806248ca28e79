package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"enocean-go-home/internal/eep"
)

// Event types
const (
	EventTelegram      = "telegram"
	EventTelegramSent  = "telegram_sent"
	EventStateChanged  = "state_changed"
	EventButtonPressed = eep.EventButtonPressed
	EventTeachIn       = eep.EventTeachIn
	EventGatewayState  = "gateway_state"
)

// Event is published on the bus for every observable change.
type Event struct {
	Type     string         `json:"type"`
	DeviceID string         `json:"device_id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu       sync.RWMutex
	byType   map[string]map[uint64]EventHandler
	wildcard map[uint64]EventHandler
	nextID   uint64
	logger   *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		byType:   make(map[string]map[uint64]EventHandler),
		wildcard: make(map[uint64]EventHandler),
		logger:   logger,
	}
}

func (eb *EventBus) subscribe(set map[uint64]EventHandler, h EventHandler) func() {
	id := eb.nextID
	eb.nextID++
	set[id] = h
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(set, id)
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	set := eb.byType[eventType]
	if set == nil {
		set = make(map[uint64]EventHandler)
		eb.byType[eventType] = set
	}
	return eb.subscribe(set, handler)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return eb.subscribe(eb.wildcard, handler)
}

// Emit delivers the event synchronously. A panicking handler is recovered
// and logged; the remaining handlers still run.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.byType[event.Type])+len(eb.wildcard))
	for _, h := range eb.byType[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.wildcard {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "id", event.DeviceID, "panic", r)
		}
	}()
	h(event)
}
