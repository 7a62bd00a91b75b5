//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/gateway"
)

const (
	runTimeout     = 5 * time.Second
	commandTimeout = 10 * time.Second
	vmQueueSize    = 64
)

// loadTimeout bounds a script's top-level code when it is started.
var loadTimeout = runTimeout

// Controller is the part of the gateway scripts drive.
type Controller interface {
	Execute(ctx context.Context, id string, op device.Operation, p device.Params) error
	Device(id string) (device.Record, error)
	Devices() []device.Record
	Events() *gateway.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with home.on.
type luaEventHandler struct {
	eventType string
	device    string // device id or alias, empty = any
	field     string // attribute that must be in the update, empty = any
	fn        *lua.LFunction
}

// scriptVM is one Lua state. All access goes through commands so the state
// is only touched by its own goroutine.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	logf func(msg string) // captures log output of one-shot runs
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine runs enabled scripts and feeds them gateway events.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	systemCfg SystemConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()

	watcher  *fsnotify.Watcher
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an automation engine.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		ctrl:      ctrl,
		manager:   mgr,
		logger:    logger.With("component", "automation"),
		systemCfg: sysCfg,
		vms:       make(map[string]*scriptVM),
		stop:      make(chan struct{}),
	}
}

// Start subscribes to gateway events, loads enabled scripts and watches
// the scripts directory for changes.
func (e *Engine) Start() error {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		return fmt.Errorf("load scripts: %w", err)
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(e.manager.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", e.manager.Dir(), err)
	}
	e.watcher = watcher
	e.wg.Add(1)
	go e.watchLoop()

	e.logger.Info("automation engine started", "scripts", e.running())
	return nil
}

// Stop cancels every VM and stops watching.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.wg.Wait()

	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

func (e *Engine) running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// Running reports whether a script currently has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// watchLoop reloads scripts edited on disk.
func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			e.handleFileEvent(ev)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Error("fsnotify error", "err", err)
		}
	}
}

func (e *Engine) handleFileEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".lua") {
		return
	}
	id := strings.TrimSuffix(name, ".lua")
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		e.logger.Debug("script removed on disk", "id", id)
		e.StopScript(id)
	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
		e.logger.Debug("script changed on disk", "id", id, "op", ev.Op.String())
		if err := e.ReloadScript(id); err != nil {
			e.logger.Warn("reload script", "id", id, "err", err)
		}
	}
}

// ReloadScript stops the script's VM and starts a new one if it is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code once in a throwaway VM with a 5s time limit. Any
// handlers it registers are invoked with a synthetic event so their actions
// run too. Log output is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()
	vm.logf = func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	}
	L := vm.state
	L.SetContext(ctx)

	fail := func(err error) *RunResult {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	for _, h := range vm.snapshot() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.device != "" {
			ev.RawSetString("device_id", lua.LString(h.device))
		}
		if h.field != "" {
			ev.RawSetString("field", lua.LString(h.field))
		}
		ev.RawSetString("value", lua.LTrue)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

// newVM creates a sandboxed state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), vmQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerHomeModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	loadCtx, loadCancel := context.WithTimeout(ctx, loadTimeout)
	L.SetContext(loadCtx)
	err := L.DoString(s.LuaCode)
	L.RemoveContext()
	timedOut := errors.Is(loadCtx.Err(), context.DeadlineExceeded)
	loadCancel()
	if err != nil {
		cancel()
		L.Close()
		if timedOut {
			return fmt.Errorf("execute script %s: top-level code ran longer than %s", s.ID, loadTimeout)
		}
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshot()))
	return nil
}

// dispatchEvent queues matching handlers on their VMs. It runs on the
// emitter's goroutine and never blocks.
func (e *Engine) dispatchEvent(event gateway.Event) {
	e.mu.Lock()
	vms := make(map[string]*scriptVM, len(e.vms))
	for k, v := range e.vms {
		vms[k] = v
	}
	e.mu.Unlock()

	for id, vm := range vms {
		if vm.ctx.Err() != nil {
			continue
		}
		for _, h := range vm.snapshot() {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "id", id, "type", event.Type)
			}
		}
	}
}

// eventRecord extracts the device record carried by an event.
func eventRecord(event gateway.Event) (device.Record, *gateway.DeviceUpdate, bool) {
	switch d := event.Data.(type) {
	case gateway.DeviceUpdate:
		return d.Record, &d, true
	case device.Record:
		return d, nil, true
	}
	return device.Record{}, nil, false
}

func matchesHandler(h luaEventHandler, event gateway.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	if h.device == "" && h.field == "" {
		return true
	}
	rec, upd, ok := eventRecord(event)
	if !ok {
		return false
	}
	if h.device != "" && !rec.Matches(h.device) {
		return false
	}
	if h.field != "" {
		if upd == nil {
			return false
		}
		for _, f := range upd.Changed.Fields() {
			if f == h.field {
				return true
			}
		}
		return false
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event gateway.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "panic", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(event.Type))
	ev.RawSetString("device_id", lua.LString(event.DeviceID))
	if rec, upd, ok := eventRecord(event); ok {
		ev.RawSetString("name", lua.LString(rec.Name))
		ev.RawSetString("state", goToLua(L, rec.Attributes.Map()))
		if upd != nil {
			ev.RawSetString("source", lua.LString(upd.Source))
			changed := upd.Changed.Map()
			ev.RawSetString("changed", goToLua(L, changed))
			if fields := upd.Changed.Fields(); len(fields) == 1 {
				ev.RawSetString("field", lua.LString(fields[0]))
				ev.RawSetString("value", goToLua(L, changed[fields[0]]))
			}
		}
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "device_id", event.DeviceID, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
