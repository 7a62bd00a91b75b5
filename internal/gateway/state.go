package gateway

import (
	"log/slog"
	"sync"
	"time"

	"shelly-go-home/internal/device"
)

// PersistFunc writes a record to durable storage.
type PersistFunc func(rec device.Record) error

// StateCache is the in-memory view of every known device. One mutex guards
// the whole map; every write is persisted inside the critical section so the
// store never sees an older record after a newer one.
//
// Events leave in the order their writes took the mutex. Subscribers may
// read the cache but must not write to it synchronously.
type StateCache struct {
	mu      sync.RWMutex
	records map[string]*device.Record
	aliases map[string]string // transport id -> device id
	seq     uint64            // next emit ticket, guarded by mu

	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitted  uint64 // tickets delivered, guarded by emitMu

	persist PersistFunc
	events  *EventBus
	logger  *slog.Logger
	now     func() time.Time
}

// NewStateCache creates an empty cache. persist may be nil.
func NewStateCache(events *EventBus, persist PersistFunc, logger *slog.Logger) *StateCache {
	c := &StateCache{
		records: make(map[string]*device.Record),
		aliases: make(map[string]string),
		persist: persist,
		events:  events,
		logger:  logger.With("component", "state"),
		now:     time.Now,
	}
	c.emitCond = sync.NewCond(&c.emitMu)
	return c
}

// Load replaces the cache contents without persisting or emitting.
func (c *StateCache) Load(recs []*device.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]*device.Record, len(recs))
	c.aliases = make(map[string]string, len(recs))
	for _, r := range recs {
		rec := *r
		c.records[rec.DeviceID] = &rec
		c.aliases[rec.Alias()] = rec.DeviceID
	}
}

// resolve must be called with c.mu held.
func (c *StateCache) resolve(id string) (string, bool) {
	if _, ok := c.records[id]; ok {
		return id, true
	}
	if devID, ok := c.aliases[id]; ok {
		return devID, true
	}
	return "", false
}

// Resolve maps a device id or transport alias to the device id.
func (c *StateCache) Resolve(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolve(id)
}

// Get returns a copy of the record named by device id or alias.
func (c *StateCache) Get(id string) (device.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	devID, ok := c.resolve(id)
	if !ok {
		return device.Record{}, false
	}
	return *c.records[devID], true
}

// All returns a copy of every record keyed by device id.
func (c *StateCache) All() map[string]device.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]device.Record, len(c.records))
	for id, r := range c.records {
		out[id] = *r
	}
	return out
}

// Len returns the number of cached devices.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Update merges partial into the record named by id, creating it with
// device id and alias equal to id if it does not exist.
func (c *StateCache) Update(id string, partial device.Attributes, source string) device.Record {
	c.mu.Lock()
	devID, ok := c.resolve(id)
	if !ok {
		devID = id
		c.records[id] = &device.Record{DeviceID: id, TransportID: id, CreatedAt: c.now()}
		c.aliases[id] = id
		c.logger.Info("new device observed", "device_id", id)
	}
	rec, ticket := c.merge(devID, partial)
	c.mu.Unlock()

	c.emit(ticket, Event{
		Type:     EventDeviceUpdate,
		DeviceID: devID,
		Data:     DeviceUpdate{Record: rec, Changed: partial, Source: source},
	})
	return rec
}

// Apply merges partial into an existing record. It reports false and changes
// nothing when id matches no device.
func (c *StateCache) Apply(id string, partial device.Attributes, source string) (device.Record, bool) {
	c.mu.Lock()
	devID, ok := c.resolve(id)
	if !ok {
		c.mu.Unlock()
		return device.Record{}, false
	}
	rec, ticket := c.merge(devID, partial)
	c.mu.Unlock()

	c.emit(ticket, Event{
		Type:     EventDeviceUpdate,
		DeviceID: devID,
		Data:     DeviceUpdate{Record: rec, Changed: partial, Source: source},
	})
	return rec, true
}

// merge must be called with c.mu held.
func (c *StateCache) merge(devID string, partial device.Attributes) (device.Record, uint64) {
	rec := c.records[devID]
	rec.Attributes = rec.Attributes.Merge(partial)
	rec.LastSeen = c.now()
	snapshot := *rec
	c.save(snapshot)
	return snapshot, c.ticket()
}

// Put inserts or replaces a record, keeping its attributes if it exists.
func (c *StateCache) Put(rec device.Record) device.Record {
	c.mu.Lock()
	if rec.TransportID == "" {
		rec.TransportID = rec.DeviceID
	}
	if old, ok := c.records[rec.DeviceID]; ok {
		delete(c.aliases, old.Alias())
		if rec.Attributes.Empty() {
			rec.Attributes = old.Attributes
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = old.CreatedAt
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	stored := rec
	c.records[rec.DeviceID] = &stored
	c.aliases[rec.Alias()] = rec.DeviceID
	c.save(stored)
	ticket := c.ticket()
	c.mu.Unlock()

	c.emit(ticket, Event{Type: EventDeviceAdded, DeviceID: rec.DeviceID, Data: stored})
	return stored
}

// Remove drops a record. Only explicit removal deletes devices.
func (c *StateCache) Remove(id string) (device.Record, bool) {
	c.mu.Lock()
	devID, ok := c.resolve(id)
	if !ok {
		c.mu.Unlock()
		return device.Record{}, false
	}
	rec := *c.records[devID]
	delete(c.records, devID)
	delete(c.aliases, rec.Alias())
	ticket := c.ticket()
	c.mu.Unlock()

	c.emit(ticket, Event{Type: EventDeviceRemoved, DeviceID: devID, Data: rec})
	return rec, true
}

func (c *StateCache) save(rec device.Record) {
	if c.persist == nil {
		return
	}
	if err := c.persist(rec); err != nil {
		c.logger.Error("persist device", "device_id", rec.DeviceID, "err", err)
	}
}

// ticket must be called with c.mu held.
func (c *StateCache) ticket() uint64 {
	t := c.seq
	c.seq++
	return t
}

// emit waits for every earlier ticket to be delivered, then delivers e.
func (c *StateCache) emit(ticket uint64, e Event) {
	c.emitMu.Lock()
	for c.emitted != ticket {
		c.emitCond.Wait()
	}
	c.emitMu.Unlock()

	defer func() {
		c.emitMu.Lock()
		c.emitted++
		c.emitCond.Broadcast()
		c.emitMu.Unlock()
	}()
	c.events.Emit(e)
}
