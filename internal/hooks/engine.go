//go:build !no_hooks

// Package hooks runs Lua scripts in response to sideband events.
//
// A script may define any of the globals on_ready, on_failed, on_reset and
// on_event (called for every event), and may register further handlers
// with ncsi.on(type, fn). Each script runs in its own sandboxed VM on its
// own goroutine.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ncsi-sideband/internal/events"
)

const (
	vmQueue               = 64
	defaultHandlerTimeout = 5 * time.Second
)

// Restarter requests a new probe cycle.
type Restarter interface {
	Restart() error
}

// globalHandlers maps well-known script globals to the event they receive.
// An empty type matches every event.
var globalHandlers = map[string]string{
	"on_ready":  events.Ready,
	"on_failed": events.Failed,
	"on_reset":  events.Reset,
	"on_event":  "",
}

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string // empty = any
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
	done     chan struct{}
}

// Engine manages script VMs and dispatches bus events to them.
type Engine struct {
	bus       *events.Bus
	manager   *Manager
	restarter Restarter
	timeout   time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a hook engine. restarter may be nil, in which case
// ncsi.restart() reports an error to the script.
func NewEngine(bus *events.Bus, mgr *Manager, restarter Restarter, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &Engine{
		bus:       bus,
		manager:   mgr,
		restarter: restarter,
		timeout:   timeout,
		logger:    logger.With("component", "hooks"),
		vms:       make(map[string]*scriptVM),
	}
}

// Start loads all enabled scripts and subscribes to the bus.
func (e *Engine) Start() {
	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.unsub = e.bus.OnAll(e.dispatchEvent)

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("hook engine started", "scripts", n)
}

// Stop unsubscribes from the bus and shuts every VM down.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for id, vm := range e.vms {
		vm.cancel()
		vms = append(vms, vm)
		delete(e.vms, id)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		<-vm.done
	}
	e.logger.Info("hook engine stopped")
}

// Scripts returns the IDs of running scripts.
func (e *Engine) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), vmQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	registerNCSIModule(L, vm, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	for name, eventType := range globalHandlers {
		if fn, ok := L.GetGlobal(name).(*lua.LFunction); ok {
			vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
		}
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer close(vm.done)
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

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.handlers))
	return nil
}

// dispatchEvent runs on the bus publisher's goroutine, so it only queues.
func (e *Engine) dispatchEvent(event events.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != "" && h.eventType != event.Type {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, vm.id, fn, event)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", id, "err", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "id", id, "type", event.Type, "err", err)
	}
}

// eventTable flattens event data into the table passed to handlers.
func eventTable(L *lua.LState, event events.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	t.RawSetString("time", lua.LNumber(event.Time.Unix()))
	switch data := normalize(event.Data).(type) {
	case nil:
	case map[string]interface{}:
		for k, v := range data {
			t.RawSetString(k, goToLua(L, v))
		}
	default:
		t.RawSetString("data", goToLua(L, data))
	}
	return t
}

// normalize turns structs and typed values into the generic shapes JSON
// decoding produces, so goToLua sees maps, slices and scalars only.
func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, map[string]interface{}, []interface{}:
		return v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
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
	case uint:
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
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return goToLua(L, normalize(val))
	}
}
