package events

import (
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusOnFiltersByType(t *testing.T) {
	b := NewBus(quietLogger())
	var got []string
	b.On(Ready, func(e Event) { got = append(got, e.Type) })

	b.Emit(Phase, "probe_package_select")
	b.Emit(Ready, nil)

	if len(got) != 1 || got[0] != Ready {
		t.Fatalf("got %v, want [ready]", got)
	}
}

func TestBusOnAllOrderAndUnsubscribe(t *testing.T) {
	b := NewBus(quietLogger())
	var order []int
	unsub1 := b.OnAll(func(Event) { order = append(order, 1) })
	b.OnAll(func(Event) { order = append(order, 2) })
	b.On(Reset, func(Event) { order = append(order, 3) })

	b.Emit(Reset, nil)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}

	unsub1()
	order = nil
	b.Emit(Reset, nil)
	if len(order) != 2 || order[0] != 2 {
		t.Fatalf("after unsubscribe order = %v, want [2 3]", order)
	}
}

func TestBusRecoversPanics(t *testing.T) {
	b := NewBus(quietLogger())
	called := false
	b.OnAll(func(Event) { panic("boom") })
	b.OnAll(func(Event) { called = true })

	b.Emit(Failed, nil)
	if !called {
		t.Fatal("handler after panicking handler was not called")
	}
}

func TestNilBusEmit(t *testing.T) {
	var b *Bus
	b.Emit(Ready, nil)
}

func TestEventCarriesTimestamp(t *testing.T) {
	b := NewBus(quietLogger())
	var ev Event
	b.OnAll(func(e Event) { ev = e })
	b.Emit(AEN, map[string]string{"subtype": "link_state_change"})
	if ev.Time.IsZero() {
		t.Fatal("event time not set")
	}
	if ev.Data == nil {
		t.Fatal("event data lost")
	}
}
