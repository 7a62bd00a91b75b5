package gateway

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects "<tag>:<type>" for every delivery.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) handler(tag string) EventHandler {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, tag+":"+e.Type)
	}
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.got, " ")
}

func TestEventBusFiltersAndOrders(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var rec recorder

	eb.OnAll(rec.handler("all"))
	eb.On(EventDeviceUpdate, rec.handler("upd"))
	eb.Subscribe(rec.handler("life"), EventDeviceAdded, EventDeviceRemoved)

	eb.Emit(Event{Type: EventDeviceAdded, DeviceID: "bulb-1"})
	eb.Emit(Event{Type: EventDeviceUpdate, DeviceID: "bulb-1"})
	eb.Emit(Event{Type: EventDeviceRemoved, DeviceID: "bulb-1"})

	want := "all:device_added life:device_added " +
		"all:device_update upd:device_update " +
		"all:device_removed life:device_removed"
	if got := rec.String(); got != want {
		t.Errorf("deliveries:\n got %s\nwant %s", got, want)
	}
}

func TestEventBusPassesPayload(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got Event
	eb.On(EventDeviceUpdate, func(e Event) { got = e })

	upd := DeviceUpdate{Source: SourceStatus}
	eb.Emit(Event{Type: EventDeviceUpdate, DeviceID: "bulb-2", Data: upd})

	if got.DeviceID != "bulb-2" {
		t.Errorf("device_id = %q", got.DeviceID)
	}
	if d, ok := got.Data.(DeviceUpdate); !ok || d.Source != SourceStatus {
		t.Errorf("data = %#v", got.Data)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var rec recorder

	stopA := eb.OnAll(rec.handler("a"))
	eb.OnAll(rec.handler("b"))
	if eb.Len() != 2 {
		t.Fatalf("len = %d", eb.Len())
	}

	stopA()
	stopA()
	if eb.Len() != 1 {
		t.Fatalf("len after double unsubscribe = %d", eb.Len())
	}

	eb.Emit(Event{Type: EventDeviceUpdate})
	if got := rec.String(); got != "b:device_update" {
		t.Errorf("deliveries = %q", got)
	}
}

func TestEventBusSubscribeDuringEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var rec recorder

	var stop func()
	stop = eb.OnAll(func(e Event) {
		stop()
		eb.OnAll(rec.handler("late"))
	})

	// The snapshot taken for the first emit does not include "late".
	eb.Emit(Event{Type: EventDeviceAdded})
	eb.Emit(Event{Type: EventDeviceUpdate})

	if got := rec.String(); got != "late:device_update" {
		t.Errorf("deliveries = %q", got)
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var rec recorder

	eb.OnAll(func(Event) { panic("boom") })
	eb.OnAll(rec.handler("after"))

	eb.Emit(Event{Type: EventDeviceUpdate})
	if got := rec.String(); got != "after:device_update" {
		t.Errorf("deliveries = %q", got)
	}
}

func TestEventBusConcurrent(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32
	eb.OnAll(func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventDeviceUpdate})
		}()
		go func() {
			defer wg.Done()
			eb.On(EventDeviceAdded, func(Event) {})()
		}()
	}
	wg.Wait()

	if count.Load() != 50 {
		t.Errorf("deliveries = %d, want 50", count.Load())
	}
	if eb.Len() != 1 {
		t.Errorf("len = %d, want 1", eb.Len())
	}
}
