// Package queue serializes commands per device. Every device gets its own
// FIFO and worker goroutine; consecutive commands on one device are spaced
// by the command delay while different devices run concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrShutdown is returned for work submitted after, or still pending at, shutdown.
	ErrShutdown = errors.New("queue: shut down")
	// ErrDropped is delivered to waiters whose command was removed by ClearQueue.
	ErrDropped = errors.New("queue: command dropped")
)

const (
	MinCommandDelay       = 100 * time.Millisecond
	MaxCommandDelay       = 2 * time.Second
	DefaultCommandDelay   = 400 * time.Millisecond
	DefaultCommandTimeout = 5 * time.Second

	loopBackoff = time.Second
)

// Task performs one command against a device. The context carries the
// per-command timeout and is cancelled on shutdown.
type Task func(ctx context.Context) error

// Mode selects how a bulk request is dispatched.
type Mode string

const (
	// ModeSequential routes each device's command through its queue,
	// staggered by position.
	ModeSequential Mode = "sequential"
	// ModeSimultaneous bypasses the queues and runs all devices at once.
	ModeSimultaneous Mode = "simultaneous"
)

// ParseMode maps an API string to a Mode. Empty means simultaneous.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSimultaneous:
		return ModeSimultaneous, nil
	case ModeSequential:
		return ModeSequential, nil
	}
	return "", fmt.Errorf("unknown bulk mode %q", s)
}

// Execution describes one finished command run.
type Execution struct {
	CommandID  string
	DeviceID   string
	Operation  string
	Mode       Mode
	EnqueuedAt time.Time
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Observer is told about every execution, queued or simultaneous.
type Observer func(Execution)

// Config holds engine options. Zero values select the defaults.
type Config struct {
	CommandDelay   time.Duration
	CommandTimeout time.Duration
	Observer       Observer
}

type command struct {
	id         string
	deviceID   string
	op         string
	priority   int
	enqueuedAt time.Time
	notBefore  time.Time
	task       Task
	done       chan error // nil for fire-and-forget
}

func (c *command) finish(err error) {
	if c.done != nil {
		c.done <- err
	}
}

type deviceQueue struct {
	id string

	mu      sync.Mutex
	pending []*command

	wake     chan struct{}
	lastDone time.Time // owned by the worker goroutine
}

func (q *deviceQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Engine owns the per-device queues.
type Engine struct {
	logger   *slog.Logger
	timeout  time.Duration
	observer Observer
	delay    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*deviceQueue
	closed bool
}

// New creates an engine. Workers start lazily on the first command for a device.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.CommandDelay == 0 {
		cfg.CommandDelay = DefaultCommandDelay
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:   logger.With("component", "queue"),
		timeout:  cfg.CommandTimeout,
		observer: cfg.Observer,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]*deviceQueue),
	}
	e.delay.Store(int64(clampDelay(cfg.CommandDelay)))
	return e
}

func clampDelay(d time.Duration) time.Duration {
	return min(max(d, MinCommandDelay), MaxCommandDelay)
}

// CommandDelay returns the current minimum spacing between commands on one device.
func (e *Engine) CommandDelay() time.Duration {
	return time.Duration(e.delay.Load())
}

// SetCommandDelay changes the spacing for all subsequent executions and
// returns the value actually applied after clamping.
func (e *Engine) SetCommandDelay(d time.Duration) time.Duration {
	c := clampDelay(d)
	if c != d {
		e.logger.Warn("command delay clamped", "requested", d, "applied", c)
	}
	e.delay.Store(int64(c))
	e.logger.Info("command delay set", "delay", c)
	return c
}

// Enqueue appends a command to the device's queue and returns its id
// without waiting for execution.
func (e *Engine) Enqueue(deviceID, op string, task Task, priority int) (string, error) {
	cmd := e.newCommand(deviceID, op, task, priority)
	if err := e.push(cmd); err != nil {
		return "", err
	}
	return cmd.id, nil
}

// Submit queues a command like Enqueue and waits for its result. If ctx
// ends first the command stays queued and will still run.
func (e *Engine) Submit(ctx context.Context, deviceID, op string, task Task) error {
	cmd := e.newCommand(deviceID, op, task, 0)
	cmd.done = make(chan error, 1)
	if err := e.push(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueBulk dispatches op to every device. In sequential mode the command
// for the device at position i is queued with priority i and the returned
// map holds nil for every accepted device; if queuing stops partway the
// error is returned together with the map, holding it for the rest. In
// simultaneous mode all tasks run concurrently and the map holds each
// device's real outcome.
func (e *Engine) EnqueueBulk(ctx context.Context, deviceIDs []string, op string, taskFor func(deviceID string) Task, mode Mode) (map[string]error, error) {
	results := make(map[string]error, len(deviceIDs))

	switch mode {
	case ModeSequential:
		for i, id := range deviceIDs {
			if _, err := e.Enqueue(id, op, taskFor(id), i); err != nil {
				for _, rest := range deviceIDs[i:] {
					results[rest] = err
				}
				return results, err
			}
			results[id] = nil
		}
		return results, nil

	case ModeSimultaneous:
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrShutdown
		}
		e.wg.Add(1)
		e.mu.Unlock()
		defer e.wg.Done()

		var (
			g   errgroup.Group
			mu  sync.Mutex
			now = time.Now()
		)
		for _, id := range deviceIDs {
			cmd := &command{
				id:         uuid.NewString(),
				deviceID:   id,
				op:         op,
				enqueuedAt: now,
				task:       taskFor(id),
			}
			g.Go(func() error {
				err := e.execute(ctx, cmd, ModeSimultaneous)
				mu.Lock()
				results[id] = err
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
		return results, nil
	}
	return nil, fmt.Errorf("unknown bulk mode %q", mode)
}

// ClearQueue drops every pending command for the device and returns how
// many were dropped. A command already executing is not affected.
func (e *Engine) ClearQueue(deviceID string) int {
	e.mu.Lock()
	q := e.queues[deviceID]
	e.mu.Unlock()
	if q == nil {
		return 0
	}

	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()
	q.signal()

	for _, cmd := range dropped {
		cmd.finish(ErrDropped)
	}
	if len(dropped) > 0 {
		e.logger.Info("queue cleared", "device_id", deviceID, "dropped", len(dropped))
	}
	return len(dropped)
}

// Pending returns the number of queued, not yet started commands for a device.
func (e *Engine) Pending(deviceID string) int {
	e.mu.Lock()
	q := e.queues[deviceID]
	e.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns the pending count of every device queue created so far.
func (e *Engine) Stats() map[string]int {
	e.mu.Lock()
	queues := make([]*deviceQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	out := make(map[string]int, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		out[q.id] = len(q.pending)
		q.mu.Unlock()
	}
	return out
}

// Shutdown stops accepting commands, cancels every worker and waits for
// them, bounded by ctx. Commands still pending are discarded.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	queues := make([]*deviceQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}

	discarded := 0
	for _, q := range queues {
		q.mu.Lock()
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, cmd := range pending {
			cmd.finish(ErrShutdown)
		}
		discarded += len(pending)
	}
	e.logger.Info("queue engine stopped", "workers", len(queues), "discarded", discarded)
	return nil
}

func (e *Engine) newCommand(deviceID, op string, task Task, priority int) *command {
	now := time.Now()
	return &command{
		id:         uuid.NewString(),
		deviceID:   deviceID,
		op:         op,
		priority:   priority,
		enqueuedAt: now,
		notBefore:  now.Add(time.Duration(priority) * e.CommandDelay()),
		task:       task,
	}
}

func (e *Engine) push(cmd *command) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShutdown
	}
	q, ok := e.queues[cmd.deviceID]
	if !ok {
		q = &deviceQueue{id: cmd.deviceID, wake: make(chan struct{}, 1)}
		e.queues[cmd.deviceID] = q
		e.wg.Add(1)
		go e.run(q)
	}
	q.mu.Lock()
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()
	e.mu.Unlock()

	q.signal()
	e.logger.Debug("command queued", "device_id", cmd.deviceID, "op", cmd.op,
		"command_id", cmd.id, "priority", cmd.priority)
	return nil
}

func (e *Engine) run(q *deviceQueue) {
	defer e.wg.Done()
	for {
		ok, err := e.safeStep(q)
		if !ok {
			return
		}
		if err != nil {
			e.logger.Error("queue worker error", "device_id", q.id, "err", err)
			if !sleepCtx(e.ctx, loopBackoff) {
				return
			}
		}
	}
}

func (e *Engine) safeStep(q *deviceQueue) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = true, fmt.Errorf("worker panic: %v", r)
		}
	}()
	return e.step(q), nil
}

// step waits for, throttles, or executes the head of the queue. It returns
// false once the engine is shutting down.
func (e *Engine) step(q *deviceQueue) bool {
	if e.ctx.Err() != nil {
		return false
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		select {
		case <-e.ctx.Done():
			return false
		case <-q.wake:
			return true
		}
	}
	cmd := q.pending[0]
	ready := q.lastDone.Add(e.CommandDelay())
	if cmd.notBefore.After(ready) {
		ready = cmd.notBefore
	}
	if wait := time.Until(ready); wait > 0 {
		q.mu.Unlock()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
			return false
		case <-q.wake:
		case <-timer.C:
		}
		return true
	}
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.mu.Unlock()

	e.execute(e.ctx, cmd, ModeSequential)
	q.lastDone = time.Now()
	return true
}

// execute runs one command under the per-command timeout. Errors and panics
// from the task are contained here.
func (e *Engine) execute(parent context.Context, cmd *command, mode Mode) error {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	start := time.Now()
	err := runTask(ctx, cmd.task)
	elapsed := time.Since(start)

	log := e.logger.With("device_id", cmd.deviceID, "op", cmd.op, "command_id", cmd.id, "mode", mode)
	switch {
	case err == nil:
		log.Debug("command executed", "duration", elapsed)
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		log.Debug("command cancelled")
	default:
		log.Error("command failed", "duration", elapsed, "err", err)
	}

	if e.observer != nil {
		e.notify(Execution{
			CommandID:  cmd.id,
			DeviceID:   cmd.deviceID,
			Operation:  cmd.op,
			Mode:       mode,
			EnqueuedAt: cmd.enqueuedAt,
			StartedAt:  start,
			Duration:   elapsed,
			Err:        err,
		})
	}
	cmd.finish(err)
	return err
}

func (e *Engine) notify(ex Execution) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution observer panic", "panic", r)
		}
	}()
	e.observer(ex)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panic: %v", r)
		}
	}()
	return task(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
