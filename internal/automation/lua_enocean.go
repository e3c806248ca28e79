//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"enocean-go-home/internal/eep"
)

const maxHandlersPerScript = 100

// registerEnOceanModule installs the `enocean` global table.
func registerEnOceanModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":                       func(L *lua.LState) int { return enoceanOn(L, vm) },
		"set_target_temperature":   valueCommand(e, eep.CommandSetTargetTemperature),
		"set_mode":                 valueCommand(e, eep.CommandSetMode),
		"set_duty_cycle":           valueCommand(e, eep.CommandSetDutyCycle),
		"set_external_temperature": valueCommand(e, eep.CommandSetExternalTemperature),
		"trigger_standby":          triggerCommand(e, eep.CommandTriggerStandby),
		"trigger_reference_run":    triggerCommand(e, eep.CommandTriggerReferenceRun),
		"get_state":                func(L *lua.LState) int { return enoceanGetState(L, e) },
		"get_attribute":            func(L *lua.LState) int { return enoceanGetAttribute(L, e) },
		"devices":                  func(L *lua.LState) int { return enoceanDevices(L, e) },
		"after":                    func(L *lua.LState) int { return enoceanAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			vm.log(e, slog.LevelInfo, L.CheckString(1))
			return 0
		},
	})
	L.SetGlobal("enocean", mod)
}

// enocean.on(type, [filter], callback)
func enoceanOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.OptTable(2, L.NewTable())
		if v := filter.RawGetString("id"); v != lua.LNil {
			h.device = v.String()
		}
		if v := filter.RawGetString("property"); v != lua.LNil {
			h.property = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// command applies cmd to target and pushes true, or false and the error.
func command(L *lua.LState, e *Engine, target string, cmd eep.Command) int {
	ctx, cancel := context.WithTimeout(e.coord.Context(), commandTimeout)
	defer cancel()

	if err := e.coord.Devices().Command(ctx, target, cmd); err != nil {
		e.logger.Warn("script command failed", "target", target, "command", cmd.Name, "value", cmd.Value, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// valueCommand builds enocean.<name>(id, value).
func valueCommand(e *Engine, name string) lua.LGFunction {
	return func(L *lua.LState) int {
		target := L.CheckString(1)
		v := L.CheckAny(2)
		return command(L, e, target, eep.Command{Name: name, Value: luaToGo(v)})
	}
}

// triggerCommand builds enocean.<name>(id).
func triggerCommand(e *Engine, name string) lua.LGFunction {
	return func(L *lua.LState) int {
		return command(L, e, L.CheckString(1), eep.Command{Name: name})
	}
}

// enocean.get_state(id) returns {id, name, kind, state, rssi, telegrams,
// last_seen, attributes} or nil.
func enoceanGetState(L *lua.LState, e *Engine) int {
	snap, err := e.coord.Devices().Get(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	t := L.NewTable()
	t.RawSetString("id", lua.LString(snap.ID))
	t.RawSetString("name", lua.LString(snap.Name))
	t.RawSetString("kind", lua.LString(snap.Kind))
	t.RawSetString("state", lua.LString(snap.State))
	t.RawSetString("rssi", lua.LNumber(snap.RSSI))
	t.RawSetString("telegrams", lua.LNumber(snap.Telegrams))
	if !snap.LastSeen.IsZero() {
		t.RawSetString("last_seen", lua.LNumber(snap.LastSeen.Unix()))
	}
	t.RawSetString("attributes", goToLua(L, snap.Attributes))
	L.Push(t)
	return 1
}

// enocean.get_attribute(id, name)
func enoceanGetAttribute(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	attr := L.CheckString(2)
	snap, err := e.coord.Devices().Get(target)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, snap.Attributes[attr]))
	return 1
}

// enocean.devices() returns a list of {id, name, kind, state}.
func enoceanDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, snap := range e.coord.Devices().List() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(snap.ID))
		d.RawSetString("name", lua.LString(snap.Name))
		d.RawSetString("kind", lua.LString(snap.Kind))
		d.RawSetString("state", lua.LString(snap.State))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// enocean.after(seconds, callback)
func enoceanAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		ok := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		})
		if !ok {
			e.logger.Warn("after: script queue full or stopped", "script", vm.id)
		}
	}()
	return 0
}

// log writes a script log line and hands it to the capture, if any.
func (vm *scriptVM) log(e *Engine, level slog.Level, msg string) {
	e.logger.Log(context.Background(), level, "script log", "script", vm.id, "msg", msg)
	if vm.capture == nil {
		return
	}
	if level != slog.LevelInfo {
		msg = "[" + strings.ToLower(level.String()) + "] " + msg
	}
	vm.capture(msg)
}
