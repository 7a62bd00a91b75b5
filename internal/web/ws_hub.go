package web

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shelly-go-home/internal/device"
)

// Push message types.
const (
	msgInitialDevices = "initial_devices"
	msgDevicesStatus  = "devices_status"
	msgDeviceUpdate   = "device_update"
	msgDeviceRemoved  = "device_removed"
	msgRequestStatus  = "request_status"
)

const (
	hubEventBuffer   = 256
	clientSendBuffer = 64
)

// wsSnapshot carries every known device keyed by device id.
type wsSnapshot struct {
	Type string                   `json:"type"`
	Data map[string]device.Record `json:"data"`
}

// wsDeviceMessage carries a single device change.
type wsDeviceMessage struct {
	Type     string         `json:"type"`
	DeviceID string         `json:"device_id"`
	Status   *device.Record `json:"status,omitempty"`
}

type wsClient struct {
	addr string
	send chan []byte
}

func newWSClient(addr string) *wsClient {
	return &wsClient{addr: addr, send: make(chan []byte, clientSendBuffer)}
}

// WSHub pushes device changes to WebSocket subscribers and, while any are
// connected, a full snapshot every interval.
//
// The client set and the ticker belong to the Run goroutine; other
// goroutines reach them by submitting closures through ops.
type WSHub struct {
	logger   *slog.Logger
	snapshot func() map[string]device.Record
	interval time.Duration

	ops    chan func()
	events chan any

	done     chan struct{}
	stopOnce sync.Once

	clients map[*wsClient]struct{}
	ticker  *time.Ticker

	count   atomic.Int32
	ticking atomic.Bool
}

// NewWSHub creates a hub that reads snapshots from snapshot.
func NewWSHub(snapshot func() map[string]device.Record, interval time.Duration, logger *slog.Logger) *WSHub {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &WSHub{
		logger:   logger,
		snapshot: snapshot,
		interval: interval,
		ops:      make(chan func()),
		events:   make(chan any, hubEventBuffer),
		done:     make(chan struct{}),
		clients:  make(map[*wsClient]struct{}),
	}
}

// Run processes hub operations until Stop.
func (h *WSHub) Run() {
	defer h.shutdown()
	for {
		var tick <-chan time.Time
		if h.ticker != nil {
			tick = h.ticker.C
		}
		select {
		case <-h.done:
			return
		case fn := <-h.ops:
			fn()
		case msg := <-h.events:
			h.fanOut(msg)
		case <-tick:
			h.fanOut(wsSnapshot{Type: msgDevicesStatus, Data: h.snapshot()})
		}
	}
}

func (h *WSHub) shutdown() {
	h.setTicker(false)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.count.Store(0)
}

// do runs fn on the Run goroutine and waits for it. It reports false when
// the hub has stopped.
func (h *WSHub) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.ops <- func() { fn(); close(finished) }:
		<-finished
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) setTicker(on bool) {
	switch {
	case on && h.ticker == nil:
		h.ticker = time.NewTicker(h.interval)
		h.logger.Debug("ws periodic broadcast started", "interval", h.interval)
	case !on && h.ticker != nil:
		h.ticker.Stop()
		h.ticker = nil
		h.logger.Debug("ws periodic broadcast stopped")
	}
	h.ticking.Store(h.ticker != nil)
}

// join registers c and queues the initial snapshot for it.
func (h *WSHub) join(c *wsClient) bool {
	return h.do(func() {
		h.clients[c] = struct{}{}
		h.count.Store(int32(len(h.clients)))
		h.sendSnapshot(c, msgInitialDevices)
		h.setTicker(true)
		h.logger.Debug("ws client connected", "client", c.addr, "total", len(h.clients))
	})
}

// leave unregisters c and closes its send channel.
func (h *WSHub) leave(c *wsClient) {
	h.do(func() {
		if _, ok := h.clients[c]; !ok {
			return
		}
		delete(h.clients, c)
		close(c.send)
		h.count.Store(int32(len(h.clients)))
		h.setTicker(len(h.clients) > 0)
		h.logger.Debug("ws client disconnected", "client", c.addr, "total", len(h.clients))
	})
}

// request answers a request_status from c with a snapshot.
func (h *WSHub) request(c *wsClient) {
	h.do(func() {
		if _, ok := h.clients[c]; ok {
			h.sendSnapshot(c, msgDevicesStatus)
		}
	})
}

func (h *WSHub) has(c *wsClient) bool {
	var ok bool
	h.do(func() { _, ok = h.clients[c] })
	return ok
}

// fanOut delivers msg to every client. A client whose buffer is full misses
// this message but stays registered until it disconnects.
func (h *WSHub) fanOut(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	for c := range h.clients {
		h.deliver(c, data)
	}
}

func (h *WSHub) sendSnapshot(c *wsClient, kind string) {
	data, err := json.Marshal(wsSnapshot{Type: kind, Data: h.snapshot()})
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	h.deliver(c, data)
}

func (h *WSHub) deliver(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("ws client too slow, message dropped", "client", c.addr)
	}
}

// Stop shuts the hub down and closes every client. Safe to call twice.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues msg for every client without blocking; it is dropped when
// the hub is backed up.
func (h *WSHub) Broadcast(msg any) {
	select {
	case h.events <- msg:
	default:
		h.logger.Warn("ws hub backed up, message dropped")
	}
}

// Notify pushes one device's current record to every client.
func (h *WSHub) Notify(rec device.Record) {
	h.Broadcast(wsDeviceMessage{Type: msgDeviceUpdate, DeviceID: rec.DeviceID, Status: &rec})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int { return int(h.count.Load()) }

// Ticking reports whether the periodic snapshot is running.
func (h *WSHub) Ticking() bool { return h.ticking.Load() }
