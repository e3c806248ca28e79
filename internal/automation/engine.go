//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"enocean-go-home/internal/coordinator"
)

const (
	runTimeout     = 5 * time.Second
	commandTimeout = 5 * time.Second
	queueSize      = 64
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with enocean.on.
type luaEventHandler struct {
	eventType string // "*" matches every type
	device    string // hex id or configured name, empty matches any
	property  string // attribute or event data key, empty matches any
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one running script. All access to state
// goes through commands, drained by a single goroutine.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// capture, when set, receives every script log line.
	capture func(string)
}

// Engine runs enabled scripts and feeds them coordinator events.
type Engine struct {
	coord    *coordinator.Coordinator
	manager  *Manager
	logger   *slog.Logger
	telegram *telegramNotifier

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
	wg    sync.WaitGroup
}

// NewEngine creates an automation engine.
func NewEngine(coord *coordinator.Coordinator, mgr *Manager, logger *slog.Logger, teleCfg TelegramConfig) *Engine {
	logger = logger.With("component", "automation")
	return &Engine{
		coord:    coord,
		manager:  mgr,
		logger:   logger,
		telegram: newTelegramNotifier(teleCfg, logger),
		vms:      make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop unsubscribes from the event bus and stops every script.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	vms := e.vms
	e.vms = make(map[string]*scriptVM)
	e.mu.Unlock()

	// A handler may be emitting events while it winds down, so e.mu must
	// not be held here.
	for _, vm := range vms {
		vm.cancel()
	}
	e.wg.Wait()
	e.telegram.wait()
	e.logger.Info("automation engine stopped")
}

// ReloadScript restarts a script from disk. A disabled script is only
// stopped.
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

// StopScript stops a running script. Unknown ids are ignored.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()

	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// Running reports the ids of the running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes Lua code once in a throwaway VM, then calls every
// handler it registered with a synthetic event built from the current
// device state. Log output is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := e.newVM(ctx, cancel, "_inline")
	defer vm.state.Close()

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm.capture = func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	fail := func(err error) *RunResult {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "timeout (" + runTimeout.String() + ")"
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := vm.state.DoString(code); err != nil {
		return fail(err)
	}

	for _, h := range vm.snapshotHandlers() {
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, e.syntheticEvent(vm.state, h)); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

// syntheticEvent builds the event table passed to handlers by RunLuaCode.
func (e *Engine) syntheticEvent(L *lua.LState, h luaEventHandler) *lua.LTable {
	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(h.eventType))
	ev.RawSetString("value", lua.LTrue)
	if h.device == "" {
		return ev
	}
	snap, err := e.coord.Devices().Get(h.device)
	if err != nil {
		ev.RawSetString("id", lua.LString(h.device))
		return ev
	}
	ev.RawSetString("id", lua.LString(snap.ID))
	ev.RawSetString("name", lua.LString(snap.Name))
	ev.RawSetString("state", lua.LString(snap.State))
	ev.RawSetString("attributes", goToLua(L, snap.Attributes))
	if h.property != "" {
		ev.RawSetString("property", lua.LString(h.property))
		if v, ok := snap.Attributes[h.property]; ok {
			ev.RawSetString("value", goToLua(L, v))
		}
	}
	return ev
}

// newVM creates a sandboxed Lua state with the script modules loaded.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerEnOceanModule(L, vm, e)
	registerSystemModule(L, vm, e)
	registerTelegramModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(e.coord.Context())
	vm := e.newVM(ctx, cancel, s.ID)

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	old := e.vms[s.ID]
	e.vms[s.ID] = vm
	e.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshotHandlers()))
	return nil
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// enqueue schedules fn on the VM goroutine without blocking.
func (vm *scriptVM) enqueue(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// dispatchEvent routes a bus event to every matching handler. It runs on
// the emitter's goroutine and never blocks on a script.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			if !vm.enqueue(func(L *lua.LState) { e.callHandler(L, h, event) }) {
				e.logger.Warn("script queue full, dropping event", "script", vm.id, "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	if h.device != "" && !strings.EqualFold(h.device, event.DeviceID) && !strings.EqualFold(h.device, event.Name) {
		return false
	}
	if h.property != "" {
		_, ok := eventValue(event, h.property)
		return ok
	}
	return true
}

// eventValue looks a key up in a state_changed event's attributes, then in
// the event data itself.
func eventValue(event coordinator.Event, key string) (any, bool) {
	if attrs, ok := event.Data["attributes"].(map[string]any); ok {
		if v, ok := attrs[key]; ok {
			return v, true
		}
	}
	v, ok := event.Data[key]
	return v, ok
}

func (e *Engine) callHandler(L *lua.LState, h luaEventHandler, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "type", event.Type, "err", r)
		}
	}()

	ev := L.NewTable()
	for k, v := range event.Data {
		ev.RawSetString(k, goToLua(L, v))
	}
	ev.RawSetString("type", lua.LString(event.Type))
	ev.RawSetString("id", lua.LString(event.DeviceID))
	ev.RawSetString("name", lua.LString(event.Name))
	ev.RawSetString("time", lua.LNumber(event.Time.Unix()))
	if h.property != "" {
		v, _ := eventValue(event, h.property)
		ev.RawSetString("property", lua.LString(h.property))
		ev.RawSetString("value", goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "id", event.DeviceID, "err", err)
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
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LString(val.Format(time.RFC3339))
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
	case fmt.Stringer:
		return lua.LString(val.String())
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a scalar Lua argument into a command value.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}
