// Package gateway ties the device cache, the per-device command queues and
// the broker connection together. It is the command API consumed by the
// HTTP layer and scripts, and the consumer of inbound status messages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/mqtt"
	"shelly-go-home/internal/queue"
	"shelly-go-home/internal/shelly"
	"shelly-go-home/internal/store"
)

var (
	// ErrDeviceNotFound is returned for an id that matches no device id or alias.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceExists is returned when registering a device id or alias twice.
	ErrDeviceExists = errors.New("device already exists")
)

// Transport publishes outbound commands.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Gateway is the command API.
type Gateway struct {
	store     store.Store
	cache     *StateCache
	events    *EventBus
	queue     *queue.Engine
	transport Transport
	codec     shelly.Codec
	logger    *slog.Logger
}

// New wires a gateway. Call Load before serving requests.
func New(st store.Store, q *queue.Engine, tr Transport, codec shelly.Codec, events *EventBus, logger *slog.Logger) *Gateway {
	g := &Gateway{
		store:     st,
		events:    events,
		queue:     q,
		transport: tr,
		codec:     codec,
		logger:    logger.With("component", "gateway"),
	}
	g.cache = NewStateCache(events, g.persist, logger)
	return g
}

func (g *Gateway) persist(rec device.Record) error {
	return g.store.SaveDevice(&rec)
}

// Load fills the cache from the store and restores persisted settings.
func (g *Gateway) Load() error {
	recs, err := g.store.ListDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	g.cache.Load(recs)

	st, err := g.store.GetSettings()
	switch {
	case err == nil && st.CommandDelay > 0:
		g.queue.SetCommandDelay(st.CommandDelay)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load settings: %w", err)
	}
	g.logger.Info("gateway state loaded", "devices", len(recs), "command_delay", g.queue.CommandDelay())
	return nil
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *EventBus { return g.events }

// Consume applies inbound messages in order until ctx ends or msgs closes.
func (g *Gateway) Consume(ctx context.Context, msgs <-chan mqtt.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			g.HandleMessage(m.Topic, m.Payload)
		}
	}
}

// HandleMessage decodes one status message and merges it into the cache.
// Undecodable messages are logged and dropped.
func (g *Gateway) HandleMessage(topic string, payload []byte) {
	msg, err := g.codec.Decode(topic, payload)
	if err != nil {
		g.logger.Warn("dropping status message", "topic", topic, "err", err)
		return
	}
	if msg.Attributes.Empty() {
		return
	}
	rec := g.cache.Update(msg.Alias, msg.Attributes, SourceStatus)
	g.logger.Debug("status applied", "device_id", rec.DeviceID, "fields", msg.Attributes.Fields())
}

// Device returns a device by id or alias.
func (g *Gateway) Device(id string) (device.Record, error) {
	rec, ok := g.cache.Get(id)
	if !ok {
		return device.Record{}, fmt.Errorf("%s: %w", id, ErrDeviceNotFound)
	}
	return rec, nil
}

// Devices returns every device sorted by id.
func (g *Gateway) Devices() []device.Record {
	all := g.cache.All()
	out := make([]device.Record, 0, len(all))
	for _, r := range all {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Snapshot returns every device keyed by id.
func (g *Gateway) Snapshot() map[string]device.Record {
	return g.cache.All()
}

// Register adds a device ahead of its first status message.
func (g *Gateway) Register(rec device.Record) (device.Record, error) {
	rec.DeviceID = strings.TrimSpace(rec.DeviceID)
	if rec.DeviceID == "" {
		return device.Record{}, errors.New("device_id is required")
	}
	if _, ok := g.cache.Resolve(rec.DeviceID); ok {
		return device.Record{}, fmt.Errorf("%s: %w", rec.DeviceID, ErrDeviceExists)
	}
	if rec.TransportID != "" {
		if _, ok := g.cache.Resolve(rec.TransportID); ok {
			return device.Record{}, fmt.Errorf("alias %s: %w", rec.TransportID, ErrDeviceExists)
		}
	}
	rec.LastSeen = time.Time{}
	stored := g.cache.Put(rec)
	g.logger.Info("device registered", "device_id", stored.DeviceID, "transport_id", stored.TransportID)
	return stored, nil
}

// Rename changes a device's display name and, when non-empty, its alias.
func (g *Gateway) Rename(id, name, transportID string) (device.Record, error) {
	rec, err := g.Device(id)
	if err != nil {
		return device.Record{}, err
	}
	if transportID != "" && transportID != rec.Alias() {
		if owner, ok := g.cache.Resolve(transportID); ok && owner != rec.DeviceID {
			return device.Record{}, fmt.Errorf("alias %s: %w", transportID, ErrDeviceExists)
		}
		rec.TransportID = transportID
	}
	rec.Name = name
	return g.cache.Put(rec), nil
}

// Remove deletes a device and drops its pending commands.
func (g *Gateway) Remove(id string) error {
	rec, ok := g.cache.Remove(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrDeviceNotFound)
	}
	dropped := g.queue.ClearQueue(rec.DeviceID)
	if err := g.store.DeleteDevice(rec.DeviceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", rec.DeviceID, err)
	}
	g.logger.Info("device removed", "device_id", rec.DeviceID, "dropped_commands", dropped)
	return nil
}

// Execute queues op for one device and waits for the publish result.
// Out of range parameters are clamped with a warning.
func (g *Gateway) Execute(ctx context.Context, id string, op device.Operation, p device.Params) error {
	rec, err := g.Device(id)
	if err != nil {
		return err
	}
	cmd, err := g.encode(rec, op, p)
	if err != nil {
		return err
	}
	return g.queue.Submit(ctx, rec.DeviceID, string(op), g.publishTask(rec.DeviceID, cmd))
}

// TurnOn switches a light on.
func (g *Gateway) TurnOn(ctx context.Context, id string) error {
	return g.Execute(ctx, id, device.OpPowerOn, device.Params{})
}

// TurnOff switches a light off.
func (g *Gateway) TurnOff(ctx context.Context, id string) error {
	return g.Execute(ctx, id, device.OpPowerOff, device.Params{})
}

// SetColor puts a light into color mode.
func (g *Gateway) SetColor(ctx context.Context, id string, red, green, blue, gain, white int) error {
	return g.Execute(ctx, id, device.OpSetColor, device.Params{Red: red, Green: green, Blue: blue, Gain: gain, White: white})
}

// SetWhite puts a light into white mode with the full parameter set.
func (g *Gateway) SetWhite(ctx context.Context, id string, p device.Params) error {
	return g.Execute(ctx, id, device.OpSetWhite, p)
}

// SetTemperature sets the white color temperature in Kelvin.
func (g *Gateway) SetTemperature(ctx context.Context, id string, kelvin int) error {
	return g.Execute(ctx, id, device.OpSetTemperature, device.Params{Temp: kelvin})
}

// SetBrightness sets the brightness percentage.
func (g *Gateway) SetBrightness(ctx context.Context, id string, percent int) error {
	return g.Execute(ctx, id, device.OpSetBrightness, device.Params{Brightness: percent})
}

// Refresh asks a device to re-announce its status.
func (g *Gateway) Refresh(ctx context.Context, id string) error {
	rec, err := g.Device(id)
	if err != nil {
		return err
	}
	cmd := g.codec.Refresh(rec.Alias())
	return g.queue.Submit(ctx, rec.DeviceID, "refresh", func(ctx context.Context) error {
		return g.transport.Publish(ctx, cmd.Topic, cmd.Payload)
	})
}

// BulkResult is the outcome for one device of a bulk request.
type BulkResult struct {
	DeviceID string `json:"device_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// BulkReport summarizes a bulk request.
type BulkReport struct {
	Message      string       `json:"message"`
	Operation    string       `json:"operation"`
	Mode         queue.Mode   `json:"mode"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	Results      []BulkResult `json:"results"`
}

// ExecuteBulk sends op to every listed device. Unknown devices are reported
// as failures and never reach the queue. In sequential mode success means
// the command was accepted; in simultaneous mode it is the publish result.
func (g *Gateway) ExecuteBulk(ctx context.Context, ids []string, op device.Operation, p device.Params, mode queue.Mode) BulkReport {
	report := BulkReport{Operation: string(op), Mode: mode, Results: make([]BulkResult, 0, len(ids))}
	failed := make(map[string]error)
	resolved := make(map[string]string, len(ids)) // requested id -> device id
	cmds := make(map[string]shelly.Command, len(ids))

	var valid []string
	for _, id := range ids {
		rec, err := g.Device(id)
		if err == nil {
			var cmd shelly.Command
			if cmd, err = g.encode(rec, op, p); err == nil {
				resolved[id] = rec.DeviceID
				if _, dup := cmds[rec.DeviceID]; !dup {
					cmds[rec.DeviceID] = cmd
					valid = append(valid, rec.DeviceID)
				}
				continue
			}
		}
		failed[id] = err
	}

	var results map[string]error
	if len(valid) > 0 {
		var err error
		results, err = g.queue.EnqueueBulk(ctx, valid, string(op), func(devID string) queue.Task {
			return g.publishTask(devID, cmds[devID])
		}, mode)
		if err != nil {
			if results == nil {
				results = make(map[string]error, len(valid))
			}
			for _, devID := range valid {
				if _, seen := results[devID]; !seen {
					results[devID] = err
				}
			}
		}
	}

	for _, id := range ids {
		err, bad := failed[id]
		if !bad {
			err = results[resolved[id]]
		}
		r := BulkResult{DeviceID: id, Success: err == nil}
		if err != nil {
			r.Error = bulkReason(err)
			report.FailureCount++
		} else {
			report.SuccessCount++
		}
		report.Results = append(report.Results, r)
	}
	report.Message = fmt.Sprintf("%s: %d succeeded, %d failed", op, report.SuccessCount, report.FailureCount)
	g.logger.Info("bulk command", "op", op, "mode", mode,
		"success", report.SuccessCount, "failure", report.FailureCount)
	return report
}

func bulkReason(err error) string {
	if errors.Is(err, ErrDeviceNotFound) {
		return "Device not found"
	}
	return err.Error()
}

// ClearQueue drops pending commands for a device.
func (g *Gateway) ClearQueue(id string) (int, error) {
	rec, err := g.Device(id)
	if err != nil {
		return 0, err
	}
	return g.queue.ClearQueue(rec.DeviceID), nil
}

// PendingCommands returns the queue depth for a device.
func (g *Gateway) PendingCommands(id string) int {
	devID, ok := g.cache.Resolve(id)
	if !ok {
		return 0
	}
	return g.queue.Pending(devID)
}

// QueueStats returns the pending command count per device.
func (g *Gateway) QueueStats() map[string]int {
	return g.queue.Stats()
}

// CommandDelay returns the current per-device spacing.
func (g *Gateway) CommandDelay() time.Duration {
	return g.queue.CommandDelay()
}

// SetCommandDelay applies and persists a new spacing, returning the clamped value.
func (g *Gateway) SetCommandDelay(d time.Duration) (time.Duration, error) {
	applied := g.queue.SetCommandDelay(d)
	if err := g.store.SaveSettings(&store.Settings{CommandDelay: applied}); err != nil {
		return applied, fmt.Errorf("save settings: %w", err)
	}
	return applied, nil
}

func (g *Gateway) encode(rec device.Record, op device.Operation, p device.Params) (shelly.Command, error) {
	p, adj := p.Normalize(op)
	for _, a := range adj {
		g.logger.Warn("parameter clamped", "device_id", rec.DeviceID, "op", op, "field", a.Field, "from", a.From, "to", a.To)
	}
	return g.codec.Encode(rec.Alias(), op, p)
}

// publishTask publishes cmd and, once the broker accepted it, records the
// state the device is expected to reach. A device removed while the command
// was in flight stays removed.
func (g *Gateway) publishTask(deviceID string, cmd shelly.Command) queue.Task {
	return func(ctx context.Context) error {
		if err := g.transport.Publish(ctx, cmd.Topic, cmd.Payload); err != nil {
			return err
		}
		if cmd.Expected.Empty() {
			return nil
		}
		if _, ok := g.cache.Apply(deviceID, cmd.Expected, SourceCommand); !ok {
			g.logger.Debug("device gone before command completed", "device_id", deviceID)
		}
		return nil
	}
}
