//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout = 10 * time.Second
	maxExecOutput      = 64 << 10
)

// clock is swapped in tests.
var clock = time.Now

// SystemConfig controls what the system module may do on the host.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // zero means defaultExecTimeout
}

// registerSystemModule installs the `system` table:
//
//	system.now()                      -> {year, month, day, hour, minute, second, weekday, unix, time, date}
//	system.between("22:30", "06:30")  -> bool, wraps past midnight
//	system.log(level, fmt, ...)
//	system.exec(path, args...)        -> output | nil, err
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"now":     luaNow,
		"between": luaBetween,
		"log":     func(L *lua.LState) int { return luaLog(L, vm, e) },
		"exec":    func(L *lua.LState) int { return luaExec(L, vm, e) },
	}))
}

func luaNow(L *lua.LState) int {
	t := clock()
	tbl := L.NewTable()
	for k, v := range map[string]int{
		"year": t.Year(), "month": int(t.Month()), "day": t.Day(),
		"hour": t.Hour(), "minute": t.Minute(), "second": t.Second(),
		"weekday": int(t.Weekday()),
	} {
		tbl.RawSetString(k, lua.LNumber(v))
	}
	tbl.RawSetString("unix", lua.LNumber(t.Unix()))
	tbl.RawSetString("time", lua.LString(t.Format("15:04")))
	tbl.RawSetString("date", lua.LString(t.Format(time.DateOnly)))
	L.Push(tbl)
	return 1
}

// luaBetween reports whether the current wall time lies in [from, to).
// Bounds are "HH:MM" strings or whole hours.
func luaBetween(L *lua.LState) int {
	from, err := minuteOfDay(L.CheckAny(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := minuteOfDay(L.CheckAny(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	t := clock()
	L.Push(lua.LBool(inWindow(t.Hour()*60+t.Minute(), from, to)))
	return 1
}

func inWindow(now, from, to int) bool {
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}

func minuteOfDay(v lua.LValue) (int, error) {
	switch v := v.(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			return 0, fmt.Errorf("hour out of range: %d", h)
		}
		return h * 60, nil
	case lua.LString:
		hh, mm, ok := strings.Cut(string(v), ":")
		if !ok {
			return 0, fmt.Errorf("want HH:MM, got %q", string(v))
		}
		h, err1 := strconv.Atoi(hh)
		m, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil || h < 0 || h > 24 || m < 0 || m > 59 {
			return 0, fmt.Errorf("bad time %q", string(v))
		}
		return h*60 + m, nil
	}
	return 0, fmt.Errorf("want HH:MM or hour, got %s", v.Type())
}

// luaLog accepts string.format style arguments after the level.
func luaLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := strings.ToLower(L.CheckString(1))
	msg := L.CheckString(2)
	if L.GetTop() > 2 {
		args := make([]any, 0, L.GetTop()-2)
		for i := 3; i <= L.GetTop(); i++ {
			args = append(args, luaToGo(L.Get(i)))
		}
		msg = fmt.Sprintf(msg, args...)
	}
	if vm.logf != nil {
		vm.logf(level + ": " + msg)
		return 0
	}

	log := e.logger.Info
	switch level {
	case "debug":
		log = e.logger.Debug
	case "warn", "warning":
		log = e.logger.Warn
	case "error":
		log = e.logger.Error
	}
	log("script", "msg", msg)
	return 0
}

var errExecDenied = errors.New("command not allowed")

// luaExec runs an allowlisted binary. Arguments are passed as-is, never
// through a shell.
func luaExec(L *lua.LState, vm *scriptVM, e *Engine) int {
	path := L.CheckString(1)
	args := make([]string, 0, L.GetTop())
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, L.CheckString(i))
	}

	out, err := e.runCommand(vm.ctx, path, args)
	if err != nil {
		e.logger.Warn("script exec", "cmd", path, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(out))
	return 1
}

func (e *Engine) runCommand(parent context.Context, path string, args []string) (string, error) {
	if !filepath.IsAbs(path) || !slices.Contains(e.systemCfg.ExecAllowlist, path) {
		return "", fmt.Errorf("%w: %s", errExecDenied, path)
	}
	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, args...).Output()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("timed out after %s", timeout)
	}
	if err != nil {
		return "", err
	}
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	return string(out), nil
}

func luaToGo(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LNumber:
		if f := float64(v); f == float64(int64(f)) {
			return int64(f)
		}
		return float64(v)
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	}
	return v.String()
}
