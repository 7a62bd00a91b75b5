package hass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/mqtt"
)

type fakeBroker struct {
	mu       sync.Mutex
	retained map[string]string
	order    []string
	handlers map[string]mqtt.MessageHandler
	hooks    []func()
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{retained: make(map[string]string), handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeBroker) PublishRetained(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained[topic] = string(payload)
	f.order = append(f.order, topic)
	return nil
}

func (f *fakeBroker) Subscribe(filter string, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[filter] = h
	return nil
}

func (f *fakeBroker) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeBroker) get(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.retained[topic]
	return v, ok
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type executed struct {
	id string
	op device.Operation
	p  device.Params
}

type fakeController struct {
	mu      sync.Mutex
	devices []device.Record
	events  *gateway.EventBus
	calls   []executed
	failOp  device.Operation
}

func (c *fakeController) Devices() []device.Record { return c.devices }

func (c *fakeController) Device(id string) (device.Record, error) {
	for _, r := range c.devices {
		if r.Matches(id) {
			return r, nil
		}
	}
	return device.Record{}, gateway.ErrDeviceNotFound
}

func (c *fakeController) Execute(_ context.Context, id string, op device.Operation, p device.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op == c.failOp {
		return errors.New("publish failed")
	}
	c.calls = append(c.calls, executed{id: id, op: op, p: p})
	return nil
}

func (c *fakeController) Events() *gateway.EventBus { return c.events }

func (c *fakeController) executed() []executed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]executed(nil), c.calls...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestBridge(t *testing.T, devices ...device.Record) (*Bridge, *fakeBroker, *fakeController) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := &fakeController{devices: devices, events: gateway.NewEventBus(logger)}
	broker := newFakeBroker()
	b := NewBridge(ctrl, broker, Config{}, logger)
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	return b, broker, ctrl
}

func TestBridgeStartAnnounces(t *testing.T) {
	lamp := device.Record{DeviceID: "lamp1", Attributes: device.Attributes{IsOn: device.Bool(true)}}
	b, broker, _ := newTestBridge(t, lamp)
	defer b.Stop()

	waitFor(t, "initial publishes", func() bool { return broker.count() >= 5 })
	if v, _ := broker.get("shelly-go-home/bridge/state"); v != "online" {
		t.Errorf("bridge state = %q", v)
	}
	if _, ok := broker.get("homeassistant/light/shelly_lamp1/light/config"); !ok {
		t.Error("light discovery missing")
	}
	if v, _ := broker.get("shelly-go-home/lamp1"); v != `{"state":"ON"}` {
		t.Errorf("state = %s", v)
	}
	if broker.handlers["shelly-go-home/+/set"] == nil {
		t.Error("command subscription missing")
	}
	if len(broker.hooks) != 1 {
		t.Errorf("hooks = %d, want 1", len(broker.hooks))
	}
}

func TestBridgeFollowsEvents(t *testing.T) {
	b, broker, ctrl := newTestBridge(t)
	defer b.Stop()

	lamp := device.Record{DeviceID: "lamp2"}
	ctrl.events.Emit(gateway.Event{Type: gateway.EventDeviceAdded, DeviceID: "lamp2", Data: lamp})
	waitFor(t, "discovery", func() bool {
		_, ok := broker.get("homeassistant/sensor/shelly_lamp2/power/config")
		return ok
	})

	lamp.Attributes.Brightness = device.Int(20)
	ctrl.events.Emit(gateway.Event{
		Type: gateway.EventDeviceUpdate, DeviceID: "lamp2",
		Data: gateway.DeviceUpdate{Record: lamp, Changed: lamp.Attributes, Source: gateway.SourceStatus},
	})
	waitFor(t, "state", func() bool {
		v, _ := broker.get("shelly-go-home/lamp2")
		return v == `{"brightness":20}`
	})

	ctrl.events.Emit(gateway.Event{Type: gateway.EventDeviceRemoved, DeviceID: "lamp2", Data: lamp})
	waitFor(t, "removal", func() bool {
		v, ok := broker.get("homeassistant/light/shelly_lamp2/light/config")
		return ok && v == ""
	})
}

func TestBridgeCommands(t *testing.T) {
	lamp := device.Record{DeviceID: "Lamp 1", Attributes: device.Attributes{IsOn: device.Bool(false)}}
	b, broker, ctrl := newTestBridge(t, lamp)
	defer b.Stop()

	h := broker.handlers["shelly-go-home/+/set"]
	h("shelly-go-home/lamp_1/set", []byte(`{"state":"ON","brightness":40}`))
	h("shelly-go-home/ghost/set", []byte(`{"state":"ON"}`))
	h("shelly-go-home/lamp_1/set", []byte(`not json`))

	waitFor(t, "execution", func() bool { return len(ctrl.executed()) == 2 })
	calls := ctrl.executed()
	if calls[0].id != "Lamp 1" || calls[0].op != device.OpPowerOn {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].op != device.OpSetBrightness || calls[1].p.Brightness != 40 {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestBridgeIgnoresCommandsAfterStop(t *testing.T) {
	lamp := device.Record{DeviceID: "Lamp 1"}
	b, broker, ctrl := newTestBridge(t, lamp)
	h := broker.handlers["shelly-go-home/+/set"]

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h("shelly-go-home/lamp_1/set", []byte(`{"state":"ON"}`))
		}()
	}
	b.Stop()
	wg.Wait()

	before := len(ctrl.executed())
	h("shelly-go-home/lamp_1/set", []byte(`{"state":"OFF"}`))
	time.Sleep(50 * time.Millisecond)
	if got := len(ctrl.executed()); got != before {
		t.Errorf("executions after stop: %d, want %d", got, before)
	}
}

func TestBridgeStopsAfterFailedStep(t *testing.T) {
	lamp := device.Record{DeviceID: "lamp1"}
	b, broker, ctrl := newTestBridge(t, lamp)
	ctrl.failOp = device.OpPowerOn

	broker.handlers["shelly-go-home/+/set"]("shelly-go-home/lamp1/set", []byte(`{"state":"ON","color_temp":250}`))
	b.Stop()

	if calls := ctrl.executed(); len(calls) != 0 {
		t.Errorf("calls after failed power_on = %+v", calls)
	}
	if v, _ := broker.get("shelly-go-home/bridge/state"); v != "offline" {
		t.Errorf("bridge state after stop = %q", v)
	}
}

func TestTranslate(t *testing.T) {
	on := device.Record{Attributes: device.Attributes{IsOn: device.Bool(true), Mode: device.String("white")}}
	off := device.Record{Attributes: device.Attributes{IsOn: device.Bool(false)}}
	colored := device.Record{Attributes: device.Attributes{
		IsOn: device.Bool(true), Mode: device.String("color"),
		Red: device.Int(10), Green: device.Int(20), Blue: device.Int(30), White: device.Int(0), Gain: device.Int(90),
	}}

	tests := []struct {
		name    string
		rec     device.Record
		payload string
		want    []string
	}{
		{"off", on, `{"state":"OFF","brightness":10}`, []string{"power_off"}},
		{"toggle on", on, `{"state":"TOGGLE"}`, []string{"power_off"}},
		{"toggle off", off, `{"state":"toggle"}`, []string{"power_on"}},
		{"on already on", on, `{"state":"ON"}`, []string{"power_on"}},
		{"on with brightness", on, `{"state":"ON","brightness":30}`, []string{"set_brightness brightness=30"}},
		{"color keeps gain", colored, `{"color":{"r":1,"g":2,"b":3,"w":255}}`, []string{"set_color rgbw=1,2,3,100 gain=90"}},
		{"color with brightness", off, `{"state":"ON","color":{"r":1,"g":2,"b":3,"w":0},"brightness":5}`,
			[]string{"power_on", "set_color rgbw=1,2,3,0 gain=5"}},
		{"brightness in color mode", colored, `{"brightness":50}`, []string{"set_color rgbw=10,20,30,0 gain=50"}},
		{"color temp", on, `{"color_temp":200}`, []string{"set_temperature temp=5000"}},
		{"white", on, `{"color_temp":370,"brightness":80}`, []string{"set_white temp=2702 brightness=80"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := translate(tt.rec, []byte(tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			if len(steps) != len(tt.want) {
				t.Fatalf("steps = %+v, want %v", steps, tt.want)
			}
			for i, s := range steps {
				if got := describe(s); got != tt.want[i] {
					t.Errorf("step %d = %q, want %q", i, got, tt.want[i])
				}
			}
		})
	}

	for _, bad := range []string{`{}`, `{"state":"BLINK"}`, `[`} {
		if _, err := translate(on, []byte(bad)); err == nil {
			t.Errorf("translate(%s) should fail", bad)
		}
	}
}

func describe(s step) string {
	p := s.params
	switch s.op {
	case device.OpSetColor:
		return fmt.Sprintf("%s rgbw=%d,%d,%d,%d gain=%d", s.op, p.Red, p.Green, p.Blue, p.White, p.Gain)
	case device.OpSetBrightness:
		return fmt.Sprintf("%s brightness=%d", s.op, p.Brightness)
	case device.OpSetTemperature:
		return fmt.Sprintf("%s temp=%d", s.op, p.Temp)
	case device.OpSetWhite:
		return fmt.Sprintf("%s temp=%d brightness=%d", s.op, p.Temp, p.Brightness)
	}
	return string(s.op)
}
