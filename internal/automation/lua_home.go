//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"shelly-go-home/internal/device"
)

const maxHandlersPerScript = 100

// registerHomeModule installs the `home` global table.
//
//	home.on(event_type, {device=, field=}, fn)
//	home.turn_on(id) / home.turn_off(id) / home.toggle(id)
//	home.set_brightness(id, percent)
//	home.set_temperature(id, kelvin)
//	home.set_color(id, r, g, b [, gain])
//	home.set_white(id, brightness, kelvin)
//	home.get(id, field) / home.devices()
//	home.after(seconds, fn) / home.log(msg)
//
// Commands return true, or false plus an error string.
func registerHomeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":       func(L *lua.LState) int { return homeOn(L, vm) },
		"turn_on":  func(L *lua.LState) int { return homeSimple(L, vm, e, device.OpPowerOn) },
		"turn_off": func(L *lua.LState) int { return homeSimple(L, vm, e, device.OpPowerOff) },
		"toggle":   func(L *lua.LState) int { return homeToggle(L, vm, e) },
		"set_brightness": func(L *lua.LState) int {
			return homeExec(L, vm, e, L.CheckString(1), device.OpSetBrightness, device.Params{Brightness: L.CheckInt(2)})
		},
		"set_temperature": func(L *lua.LState) int {
			return homeExec(L, vm, e, L.CheckString(1), device.OpSetTemperature, device.Params{Temp: L.CheckInt(2)})
		},
		"set_color": func(L *lua.LState) int {
			p := device.DefaultParams(device.OpSetColor)
			p.Red, p.Green, p.Blue = L.CheckInt(2), L.CheckInt(3), L.CheckInt(4)
			p.Gain = L.OptInt(5, p.Gain)
			return homeExec(L, vm, e, L.CheckString(1), device.OpSetColor, p)
		},
		"set_white": func(L *lua.LState) int {
			p := device.DefaultParams(device.OpSetWhite)
			p.Brightness = L.OptInt(2, p.Brightness)
			p.Temp = L.OptInt(3, p.Temp)
			return homeExec(L, vm, e, L.CheckString(1), device.OpSetWhite, p)
		},
		"get":     func(L *lua.LState) int { return homeGet(L, e) },
		"devices": func(L *lua.LState) int { return homeDevices(L, e) },
		"after":   func(L *lua.LState) int { return homeAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			msg := L.CheckString(1)
			if vm.logf != nil {
				vm.logf(msg)
			} else {
				e.logger.Info("script log", "msg", msg)
			}
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("home", mod)
}

// home.on(type, filter, callback); filter may be omitted.
func homeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() == 2 {
		h.fn = L.CheckFunction(2)
	} else {
		filter := L.OptTable(2, L.NewTable())
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
		if v := filter.RawGetString("field"); v != lua.LNil {
			h.field = v.String()
		}
	}
	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func homeSimple(L *lua.LState, vm *scriptVM, e *Engine, op device.Operation) int {
	return homeExec(L, vm, e, L.CheckString(1), op, device.Params{})
}

func homeToggle(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	op := device.OpPowerOn
	if rec, err := e.ctrl.Device(target); err == nil && rec.Attributes.IsOn != nil && *rec.Attributes.IsOn {
		op = device.OpPowerOff
	}
	return homeExec(L, vm, e, target, op, device.Params{})
}

func homeExec(L *lua.LState, vm *scriptVM, e *Engine, target string, op device.Operation, p device.Params) int {
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()

	if err := e.ctrl.Execute(ctx, target, op, p); err != nil {
		e.logger.Warn("script command failed", "target", target, "op", op, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// home.get(id, field) returns nil when the device or field is unknown.
func homeGet(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	field := L.CheckString(2)

	rec, err := e.ctrl.Device(target)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, rec.Attributes.Map()[field]))
	return 1
}

func homeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, rec := range e.ctrl.Devices() {
		d := L.NewTable()
		d.RawSetString("device_id", lua.LString(rec.DeviceID))
		d.RawSetString("transport_id", lua.LString(rec.Alias()))
		d.RawSetString("name", lua.LString(rec.Name))
		d.RawSetString("state", goToLua(L, rec.Attributes.Map()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// home.after(seconds, callback) runs callback on the VM goroutine later.
func homeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}
