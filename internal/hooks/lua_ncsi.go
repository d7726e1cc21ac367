//go:build !no_hooks

package hooks

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerNCSIModule installs the `ncsi` global table.
func registerNCSIModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return ncsiOn(L, vm)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return ncsiLog(L, vm, e)
	}))
	mod.RawSetString("restart", L.NewFunction(func(L *lua.LState) int {
		return ncsiRestart(L, e)
	}))
	mod.RawSetString("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))

	L.SetGlobal("ncsi", mod)
}

// ncsi.on(event_type, fn)
func ncsiOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)
	if eventType == "*" {
		eventType = ""
	}
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
	vm.mu.Unlock()
	return 0
}

// ncsi.log(msg) or ncsi.log(level, msg)
func ncsiLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level, msg := "info", L.CheckString(1)
	if L.GetTop() >= 2 {
		level, msg = msg, L.CheckString(2)
	}

	logger := e.logger.With("script", vm.id)
	switch level {
	case "debug":
		logger.Debug("script log", "msg", msg)
	case "warn":
		logger.Warn("script log", "msg", msg)
	case "error":
		logger.Error("script log", "msg", msg)
	default:
		logger.Info("script log", "msg", msg)
	}
	return 0
}

// ncsi.restart() returns true, or false and an error message.
func ncsiRestart(L *lua.LState, e *Engine) int {
	if e.restarter == nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString("restart unavailable"))
		return 2
	}
	if err := e.restarter.Restart(); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
