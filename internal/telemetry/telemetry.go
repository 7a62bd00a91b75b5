// Package telemetry mirrors device status and command timings into InfluxDB.
//
// Writes go through the client's non-blocking batching API, so a slow or
// unreachable server never stalls the gateway. Async write failures are
// logged.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/queue"
)

var (
	// ErrDisabled is returned by Connect when telemetry is turned off.
	ErrDisabled = errors.New("telemetry: disabled in configuration")
	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	connectTimeout       = 10 * time.Second

	measurementStatus  = "light_status"
	measurementCommand = "light_command"
)

// Config selects the InfluxDB target.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

type pointWriter interface {
	WritePoint(p *write.Point)
}

// Writer turns gateway events and queue executions into points.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	flush  func()
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Connect pings the server and starts a batching writer.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	api := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := &Writer{
		client: client,
		api:    api,
		flush:  api.Flush,
		logger: logger.With("component", "telemetry"),
	}
	go func() {
		for err := range api.Errors() {
			w.logger.Warn("influx write failed", "err", err)
		}
	}()
	w.logger.Info("telemetry connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

// Attach subscribes the writer to device updates. The returned func detaches it.
func (w *Writer) Attach(events *gateway.EventBus) func() {
	return events.On(gateway.EventDeviceUpdate, func(e gateway.Event) {
		upd, ok := e.Data.(gateway.DeviceUpdate)
		if !ok {
			return
		}
		if p := statusPoint(upd, time.Now()); p != nil {
			w.write(p)
		}
	})
}

// Observe records one executed command. It fits queue.Config.Observer.
func (w *Writer) Observe(ex queue.Execution) {
	w.write(commandPoint(ex))
}

func (w *Writer) write(p *write.Point) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.api.WritePoint(p)
}

// Close flushes pending points and releases the client.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	if w.flush != nil {
		w.flush()
	}
	if w.client != nil {
		w.client.Close()
	}
}

// statusPoint builds a point from device-reported fields. Optimistic updates
// from our own commands are skipped; nil means nothing worth storing.
func statusPoint(upd gateway.DeviceUpdate, ts time.Time) *write.Point {
	if upd.Source != gateway.SourceStatus {
		return nil
	}
	a := upd.Changed
	fields := make(map[string]any)
	if a.IsOn != nil {
		fields["ison"] = *a.IsOn
	}
	if a.Online != nil {
		fields["online"] = *a.Online
	}
	if a.Brightness != nil {
		fields["brightness"] = int64(*a.Brightness)
	}
	if a.Temp != nil {
		fields["temp"] = int64(*a.Temp)
	}
	if a.Power != nil {
		fields["power"] = *a.Power
	}
	if a.Energy != nil {
		fields["energy"] = *a.Energy
	}
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{"device_id": upd.Record.DeviceID}
	if upd.Record.Name != "" {
		tags["name"] = upd.Record.Name
	}
	return write.NewPoint(measurementStatus, tags, fields, ts)
}

func commandPoint(ex queue.Execution) *write.Point {
	return write.NewPoint(measurementCommand,
		map[string]string{
			"device_id": ex.DeviceID,
			"operation": ex.Operation,
			"mode":      string(ex.Mode),
		},
		map[string]any{
			"duration_ms": ex.Duration.Milliseconds(),
			"wait_ms":     ex.StartedAt.Sub(ex.EnqueuedAt).Milliseconds(),
			"success":     ex.Err == nil,
		},
		ex.StartedAt)
}
