//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/ncsi"
	"ncsi-sideband/internal/sideband"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	handlers     map[string]pahomqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]pahomqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

// last returns the most recent payload published on topic.
func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i], true
		}
	}
	return published{}, false
}

func (c *fakeClient) waitFor(t *testing.T, topic string) published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := c.last(topic); ok {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing published on %s", topic)
	return published{}
}

type fakeMessage struct {
	pahomqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeSource struct {
	bus      *events.Bus
	status   sideband.Status
	mu       sync.Mutex
	restarts int
}

func (s *fakeSource) Status(context.Context) (sideband.Status, error) { return s.status, nil }
func (s *fakeSource) Events() *events.Bus                              { return s.bus }
func (s *fakeSource) Restart() error {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	return nil
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeClient, *fakeSource) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sel := ncsi.Selection{Package: 0, Channel: 1}
	src := &fakeSource{
		bus: events.NewBus(logger),
		status: sideband.Status{
			Link: "eth0",
			Engine: ncsi.Snapshot{
				Phase: ncsi.PhaseReady,
				Cycle: 3,
				Stats: ncsi.Stats{Timeouts: 4, BadLength: 1},
			},
			Outcome: &sideband.Outcome{Ready: true, Selection: &sel},
		},
	}
	fc := &fakeClient{}
	b := newBridge(src, cfg, logger)
	b.client = fc
	return b, fc, src
}

func TestBridgePublishesSnapshot(t *testing.T) {
	b, fc, _ := newTestBridge(t, Config{TopicPrefix: "bmc/ncsi/"})
	b.Start()
	defer b.Stop()

	m := fc.waitFor(t, "bmc/ncsi/state")
	if !m.retained {
		t.Error("state not retained")
	}
	var st statePayload
	if err := json.Unmarshal(m.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.Phase != "ready" || !st.Ready || st.Channel == nil || *st.Channel != 1 || st.Cycle != 3 {
		t.Errorf("state = %+v", st)
	}

	stats := fc.waitFor(t, "bmc/ncsi/stats")
	if !strings.Contains(string(stats.payload), `"dropped":1`) {
		t.Errorf("stats = %s", stats.payload)
	}
	fc.waitFor(t, "bmc/ncsi/topology")
}

func TestBridgeForwardsEvents(t *testing.T) {
	b, fc, src := newTestBridge(t, Config{})
	b.Start()
	defer b.Stop()

	src.bus.Emit(events.AEN, map[string]any{"subtype": "LSC"})
	m, ok := fc.last("ncsi/event/aen")
	if !ok {
		t.Fatal("aen event not forwarded")
	}
	if m.retained {
		t.Error("event topics must not be retained")
	}
	var ev events.Event
	if err := json.Unmarshal(m.payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.AEN {
		t.Errorf("type = %q", ev.Type)
	}
}

func TestBridgeStopPublishesOffline(t *testing.T) {
	b, fc, src := newTestBridge(t, Config{})
	b.Start()
	b.Stop()

	m, ok := fc.last("ncsi/bridge/state")
	if !ok || string(m.payload) != "offline" || !m.retained {
		t.Errorf("bridge state = %+v", m)
	}
	if !fc.disconnected {
		t.Error("client not disconnected")
	}

	// Unsubscribed from the bus.
	src.bus.Emit(events.Reset, nil)
	if _, ok := fc.last("ncsi/event/reset"); ok {
		t.Error("event published after Stop")
	}
}

func TestBridgeCommands(t *testing.T) {
	b, fc, src := newTestBridge(t, Config{Discovery: true})
	b.onConnect()

	if m, ok := fc.last("ncsi/bridge/state"); !ok || string(m.payload) != "online" {
		t.Errorf("bridge state = %+v", m)
	}

	h := fc.handlers["ncsi/set"]
	if h == nil {
		t.Fatal("command topic not subscribed")
	}
	h(nil, fakeMessage{payload: []byte(`{"action":"restart"}`)})
	h(nil, fakeMessage{payload: []byte(`{"action":"bogus"}`)})
	h(nil, fakeMessage{payload: []byte(`not json`)})
	if src.restarts != 1 {
		t.Errorf("restarts = %d, want 1", src.restarts)
	}
}

func TestDiscovery(t *testing.T) {
	msgs := buildDiscovery("ncsi")
	if len(msgs) != len(entities) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(entities))
	}

	var ready *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/binary_sensor/ncsi_sideband/ready/config" {
			ready = &msgs[i]
		}
	}
	if ready == nil {
		t.Fatal("ready discovery not found")
	}
	var payload haDiscovery
	if err := json.Unmarshal(ready.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.StateTopic != "ncsi/state" || payload.AvailabilityTopic != "ncsi/bridge/state" {
		t.Errorf("topics = %q %q", payload.StateTopic, payload.AvailabilityTopic)
	}
	if payload.DeviceClass != "connectivity" || payload.PayloadOn != "ON" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.UniqueID != "ncsi_sideband_ready" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
}
