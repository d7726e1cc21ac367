//go:build !no_hooks

package hooks

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/ncsi"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chanRestarter records restart requests.
type chanRestarter chan struct{}

func (c chanRestarter) Restart() error {
	c <- struct{}{}
	return nil
}

func writeScript(t *testing.T, dir, name, code string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startEngine(t *testing.T, dir string, r Restarter) (*Engine, *events.Bus) {
	t.Helper()
	logger := quietLogger()
	mgr, err := NewManager(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(logger)
	e := NewEngine(bus, mgr, r, time.Second, logger)
	e.Start()
	t.Cleanup(e.Stop)
	return e, bus
}

func waitRestart(t *testing.T, c chanRestarter) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(2 * time.Second):
		t.Fatal("script did not call ncsi.restart")
	}
}

func TestGlobalHandlers(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "recover.lua", `
function on_failed(ev)
  if ev.phase == "probe_package_deselect" then
    ncsi.restart()
  end
end
`)
	r := make(chanRestarter, 4)
	_, bus := startEngine(t, dir, r)

	bus.Emit(events.Ready, nil)
	bus.Emit(events.Failed, map[string]any{"phase": "probe_package_deselect", "error": "no packages"})
	waitRestart(t, r)

	select {
	case <-r:
		t.Error("unexpected second restart")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnReadyReceivesSelection(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ready.lua", `
function on_ready(ev)
  if ev.package == 0 and ev.channel == 1 and ev.info.has_link then
    ncsi.restart()
  end
end
`)
	r := make(chanRestarter, 1)
	_, bus := startEngine(t, dir, r)

	bus.Emit(events.Ready, ncsi.Selection{Package: 0, Channel: 1, Info: ncsi.Channel{ID: 1, HasLink: true}})
	waitRestart(t, r)
}

func TestRegisteredHandlers(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "aen.lua", `
ncsi.on("aen", function(ev)
  if ev.subtype == 0 then ncsi.restart() end
end)
`)
	r := make(chanRestarter, 1)
	_, bus := startEngine(t, dir, r)

	bus.Emit(events.Phase, map[string]any{"to": "ready"})
	bus.Emit(events.AEN, map[string]any{"subtype": uint8(0)})
	waitRestart(t, r)
}

func TestDisabledAndBrokenScripts(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "off.lua", `-- {"name": "off", "enabled": false}
function on_event(ev) ncsi.restart() end
`)
	writeScript(t, dir, "broken.lua", `function (`)
	writeScript(t, dir, "ok.lua", `ncsi.log("debug", "loaded")`)
	writeScript(t, dir, "notes.txt", `ignored`)

	e, _ := startEngine(t, dir, nil)
	ids := e.Scripts()
	sort.Strings(ids)
	if len(ids) != 1 || ids[0] != "ok" {
		t.Errorf("running = %v, want [ok]", ids)
	}
}

func TestSandbox(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "escape.lua", `
function on_event(ev)
  if os == nil and io == nil and require == nil then
    local ok, err = ncsi.restart()
    if ok == false and err ~= nil then ncsi.log("warn", err) end
  end
end
`)
	// With no restarter the script still runs and logs the refusal.
	_, bus := startEngine(t, dir, nil)
	bus.Emit(events.Reset, map[string]any{"reason": "restart"})
}

func TestHandlerTimeout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin.lua", `
function on_reset(ev) while true do end end
function on_ready(ev) ncsi.restart() end
`)
	logger := quietLogger()
	mgr, _ := NewManager(dir, logger)
	bus := events.NewBus(logger)
	r := make(chanRestarter, 1)
	e := NewEngine(bus, mgr, r, 50*time.Millisecond, logger)
	e.Start()
	defer e.Stop()

	bus.Emit(events.Reset, nil)
	bus.Emit(events.Ready, nil)
	waitRestart(t, r)
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint64", uint64(1 << 40), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"struct", ncsi.LinkStatus{Status: 1}, lua.LTTable},
		{"text marshaler", ncsi.PhaseReady, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestEventTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := eventTable(L, events.Event{Type: events.LinkStatus, Time: time.Unix(100, 0), Data: map[string]any{"channel": uint8(2), "up": true}})
	if v := tbl.RawGetString("type"); v.String() != "link_status" {
		t.Errorf("type = %v", v)
	}
	if v := tbl.RawGetString("time"); v != lua.LNumber(100) {
		t.Errorf("time = %v", v)
	}
	if v := tbl.RawGetString("channel"); v != lua.LNumber(2) {
		t.Errorf("channel = %v", v)
	}
	if v := tbl.RawGetString("up"); v != lua.LTrue {
		t.Errorf("up = %v", v)
	}

	scalar := eventTable(L, events.Event{Type: "x", Data: "hello"})
	if v := scalar.RawGetString("data"); v.String() != "hello" {
		t.Errorf("data = %v", v)
	}
}
