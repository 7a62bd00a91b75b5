package gateway

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"shelly-go-home/internal/device"
)

// Event types
const (
	EventDeviceUpdate  = "device_update"
	EventDeviceAdded   = "device_added"
	EventDeviceRemoved = "device_removed"
)

// Sources of a device update.
const (
	SourceStatus  = "status"  // reported by the device
	SourceCommand = "command" // expected state after a successful publish
)

// Event is published on the gateway's internal topic.
type Event struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Data     any    `json:"data"`
}

// DeviceUpdate is the payload of EventDeviceUpdate: the record after the
// merge and the fields that were applied.
type DeviceUpdate struct {
	Record  device.Record     `json:"record"`
	Changed device.Attributes `json:"changed"`
	Source  string            `json:"source"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id    uint64
	types []string // empty = every type
	fn    EventHandler
}

func (s *subscription) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// EventBus delivers gateway events to subscribers synchronously, in the
// order they subscribed. The subscriber list is copy-on-write so handlers
// may subscribe or unsubscribe while an event is being delivered.
type EventBus struct {
	mu     sync.Mutex // serializes writers
	subs   atomic.Pointer[[]*subscription]
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	eb := &EventBus{logger: logger.With("component", "events")}
	eb.subs.Store(&[]*subscription{})
	return eb
}

// Subscribe registers fn for the given event types, or for all events when
// none are given. The returned func removes the subscription; calling it
// more than once is harmless.
func (eb *EventBus) Subscribe(fn EventHandler, types ...string) func() {
	eb.mu.Lock()
	eb.nextID++
	sub := &subscription{id: eb.nextID, types: slices.Clone(types), fn: fn}
	eb.subs.Store(ptr(append(slices.Clone(*eb.subs.Load()), sub)))
	eb.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { eb.remove(sub.id) }) }
}

// On registers a handler for one event type.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.Subscribe(handler, eventType)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.Subscribe(handler)
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subs.Store(ptr(slices.DeleteFunc(slices.Clone(*eb.subs.Load()), func(s *subscription) bool {
		return s.id == id
	})))
}

// Len reports the number of active subscriptions.
func (eb *EventBus) Len() int { return len(*eb.subs.Load()) }

// Emit calls every matching handler. A panicking handler is logged and does
// not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	for _, s := range *eb.subs.Load() {
		if s.wants(event.Type) {
			eb.deliver(s, event)
		}
	}
}

func (eb *EventBus) deliver(s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "device_id", event.DeviceID, "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(event)
}

func ptr[T any](v T) *T { return &v }
