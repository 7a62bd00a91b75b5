// Package hass exposes gateway devices to Home Assistant: MQTT discovery
// configs, one retained JSON state topic per device, and a command topic
// that is translated into gateway operations.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/mqtt"
)

const (
	DefaultTopicPrefix     = "shelly-go-home"
	DefaultDiscoveryPrefix = "homeassistant"

	defaultCommandTimeout = 10 * time.Second
	publishTimeout        = 5 * time.Second
	outboxSize            = 256
)

// Controller is the part of the gateway the bridge drives.
type Controller interface {
	Devices() []device.Record
	Device(id string) (device.Record, error)
	Execute(ctx context.Context, id string, op device.Operation, p device.Params) error
	Events() *gateway.EventBus
}

// Broker is the MQTT side of the bridge.
type Broker interface {
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Subscribe(filter string, handler mqtt.MessageHandler) error
	OnConnect(fn func())
}

// Config holds bridge topics.
type Config struct {
	TopicPrefix     string
	DiscoveryPrefix string
	CommandTimeout  time.Duration
}

// Bridge mirrors the device cache to Home Assistant.
type Bridge struct {
	ctrl   Controller
	broker Broker
	cfg    Config
	logger *slog.Logger

	outbox chan discoveryMsg
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  []func()

	mu     sync.Mutex
	closed bool // no command goroutines start once set
}

// NewBridge creates a bridge. Nothing is published until Start.
func NewBridge(ctrl Controller, broker Broker, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:   ctrl,
		broker: broker,
		cfg:    cfg,
		logger: logger.With("component", "hass"),
		outbox: make(chan discoveryMsg, outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to command topics and device events, then announces
// every known device.
func (b *Bridge) Start() error {
	filter := b.cfg.TopicPrefix + "/+/set"
	if err := b.broker.Subscribe(filter, b.handleSet); err != nil {
		return fmt.Errorf("hass: subscribe %s: %w", filter, err)
	}

	events := b.ctrl.Events()
	b.unsub = append(b.unsub,
		events.On(gateway.EventDeviceAdded, b.handleAdded),
		events.On(gateway.EventDeviceUpdate, b.handleUpdate),
		events.On(gateway.EventDeviceRemoved, b.handleRemoved),
	)
	b.broker.OnConnect(b.resync)

	b.wg.Add(1)
	go b.publishLoop()
	b.resync()
	b.logger.Info("Home Assistant bridge started", "prefix", b.cfg.TopicPrefix, "discovery_prefix", b.cfg.DiscoveryPrefix)
	return nil
}

// Stop detaches from the gateway and marks the bridge offline.
func (b *Bridge) Stop() {
	for _, u := range b.unsub {
		u()
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.broker.PublishRetained(ctx, b.stateTopic(), []byte("offline")); err != nil {
		b.logger.Warn("publish bridge offline", "err", err)
	}
	b.logger.Info("Home Assistant bridge stopped")
}

func (b *Bridge) stateTopic() string {
	return b.cfg.TopicPrefix + "/bridge/state"
}

func (b *Bridge) deviceTopic(rec device.Record) string {
	return b.cfg.TopicPrefix + "/" + topicName(rec.DeviceID)
}

// resync runs on start and after every reconnect, since the broker may have
// replaced our retained state with the will message.
func (b *Bridge) resync() {
	b.enqueue(discoveryMsg{Topic: b.stateTopic(), Payload: []byte("online")})
	devices := b.ctrl.Devices()
	for _, rec := range devices {
		b.announce(rec)
	}
	b.logger.Debug("published HA discovery", "devices", len(devices))
}

func (b *Bridge) announce(rec device.Record) {
	for _, msg := range buildDiscovery(rec, b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix) {
		b.enqueue(msg)
	}
	b.publishState(rec)
}

func (b *Bridge) publishState(rec device.Record) {
	b.enqueue(discoveryMsg{Topic: b.deviceTopic(rec), Payload: mustJSON(buildState(rec))})
}

// enqueue never blocks the caller, which is usually the gateway's consumer.
func (b *Bridge) enqueue(msg discoveryMsg) {
	select {
	case b.outbox <- msg:
	default:
		b.logger.Warn("HA outbox full, dropping publish", "topic", msg.Topic)
	}
}

// publishLoop keeps retained publishes in order.
func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.outbox:
			ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
			if err := b.broker.PublishRetained(ctx, msg.Topic, msg.Payload); err != nil {
				b.logger.Warn("HA publish failed", "topic", msg.Topic, "err", err)
			}
			cancel()
		}
	}
}

func (b *Bridge) handleAdded(e gateway.Event) {
	if rec, ok := e.Data.(device.Record); ok {
		b.announce(rec)
		b.logger.Info("device announced to Home Assistant", "device_id", rec.DeviceID)
	}
}

func (b *Bridge) handleUpdate(e gateway.Event) {
	if upd, ok := e.Data.(gateway.DeviceUpdate); ok {
		b.publishState(upd.Record)
	}
}

func (b *Bridge) handleRemoved(e gateway.Event) {
	rec, ok := e.Data.(device.Record)
	if !ok {
		return
	}
	for _, msg := range buildRemoveDiscovery(rec, b.cfg.DiscoveryPrefix) {
		b.enqueue(msg)
	}
	b.enqueue(discoveryMsg{Topic: b.deviceTopic(rec)})
}

// handleSet runs on the broker's goroutine, so the command itself runs on
// its own goroutine.
func (b *Bridge) handleSet(topic string, payload []byte) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.cfg.TopicPrefix+"/"), "/set")
	rec, ok := b.lookup(name)
	if !ok {
		b.logger.Warn("HA command for unknown device", "topic", topic)
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		b.handleCommand(rec, payload)
	}()
}

func (b *Bridge) lookup(name string) (device.Record, bool) {
	for _, rec := range b.ctrl.Devices() {
		if topicName(rec.DeviceID) == name {
			return rec, true
		}
	}
	return device.Record{}, false
}

func (b *Bridge) handleCommand(rec device.Record, payload []byte) {
	steps, err := translate(rec, payload)
	if err != nil {
		b.logger.Warn("invalid HA command", "device_id", rec.DeviceID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CommandTimeout)
	defer cancel()
	for _, s := range steps {
		if err := b.ctrl.Execute(ctx, rec.DeviceID, s.op, s.params); err != nil {
			b.logger.Warn("HA command failed", "device_id", rec.DeviceID, "op", s.op, "err", err)
			return
		}
	}
}

// haCommand is the JSON light schema command payload.
type haCommand struct {
	State      string   `json:"state"`
	Brightness *int     `json:"brightness"`
	Color      *haColor `json:"color"`
	ColorTemp  *int     `json:"color_temp"`
}

type step struct {
	op     device.Operation
	params device.Params
}

var errEmptyCommand = errors.New("hass: command has no recognized fields")

// translate maps a JSON light command onto gateway operations, using the
// cached record for toggles and for brightness changes in color mode.
func translate(rec device.Record, payload []byte) ([]step, error) {
	var cmd haCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("hass: decode command: %w", err)
	}
	a := rec.Attributes
	isOn := a.IsOn != nil && *a.IsOn

	var steps []step
	switch strings.ToUpper(cmd.State) {
	case "":
	case "OFF":
		return []step{{op: device.OpPowerOff}}, nil
	case "TOGGLE":
		if isOn {
			return []step{{op: device.OpPowerOff}}, nil
		}
		steps = append(steps, step{op: device.OpPowerOn})
	case "ON":
		bare := cmd.Color == nil && cmd.ColorTemp == nil && cmd.Brightness == nil
		if !isOn || bare {
			steps = append(steps, step{op: device.OpPowerOn})
		}
	default:
		return nil, fmt.Errorf("hass: unknown state %q", cmd.State)
	}

	switch {
	case cmd.Color != nil:
		p := device.DefaultParams(device.OpSetColor)
		if a.Gain != nil {
			p.Gain = *a.Gain
		}
		if cmd.Brightness != nil {
			p.Gain = *cmd.Brightness
		}
		p.Red, p.Green, p.Blue = cmd.Color.R, cmd.Color.G, cmd.Color.B
		p.White = percentFrom255(cmd.Color.W)
		steps = append(steps, step{op: device.OpSetColor, params: p})
	case cmd.ColorTemp != nil && *cmd.ColorTemp > 0:
		kelvin := 1_000_000 / *cmd.ColorTemp
		if cmd.Brightness != nil {
			p := device.DefaultParams(device.OpSetWhite)
			p.Temp, p.Brightness = kelvin, *cmd.Brightness
			steps = append(steps, step{op: device.OpSetWhite, params: p})
		} else {
			steps = append(steps, step{op: device.OpSetTemperature, params: device.Params{Temp: kelvin}})
		}
	case cmd.Brightness != nil:
		if a.Mode != nil && *a.Mode == "color" {
			p := device.Params{
				Red: deref(a.Red), Green: deref(a.Green), Blue: deref(a.Blue),
				White: deref(a.White), Gain: *cmd.Brightness,
			}
			steps = append(steps, step{op: device.OpSetColor, params: p})
		} else {
			steps = append(steps, step{op: device.OpSetBrightness, params: device.Params{Brightness: *cmd.Brightness}})
		}
	}

	if len(steps) == 0 {
		return nil, errEmptyCommand
	}
	return steps, nil
}
