//go:build !no_mqtt

// Package mqtt publishes sideband state to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/sideband"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	statusTimeout  = 5 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	// Discovery enables Home Assistant discovery messages.
	Discovery bool
}

// Source is what the bridge observes and drives.
type Source interface {
	Status(ctx context.Context) (sideband.Status, error)
	Restart() error
	Events() *events.Bus
}

// client is the subset of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge mirrors engine events and snapshots onto retained MQTT topics.
//
//	{prefix}/bridge/state   online | offline (LWT)
//	{prefix}/state          phase and last outcome
//	{prefix}/topology       discovered packages and channels
//	{prefix}/stats          engine counters
//	{prefix}/event/{type}   every bus event, not retained
//	{prefix}/set            {"action":"restart"}
type Bridge struct {
	client    client
	src       Source
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()

	// refresh coalesces snapshot requests from bus handlers, which run on
	// the runner goroutine and must not wait on it.
	refresh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(src Source, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(src, cfg, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "ncsi-sideband"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The connect handler can fire before Connect returns.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(src Source, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "ncsi"
	}
	return &Bridge{
		src:       src,
		prefix:    prefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		refresh:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to engine events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.src.Events().OnAll(b.handleEvent)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.refreshLoop()
	}()
	b.requestRefresh()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.wg.Wait()
	b.publishWait(b.topic("bridge/state"), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publish(b.topic("bridge/state"), []byte("online"), true)
	if b.discovery {
		for _, msg := range buildDiscovery(b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.client.Subscribe(b.topic("set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	b.requestRefresh()
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

func (b *Bridge) handleEvent(event events.Event) {
	b.publish(b.topic("event/"+event.Type), mustJSON(event), false)
	switch event.Type {
	case events.Phase, events.Ready, events.Failed, events.Reset, events.ChannelFound, events.LinkStatus:
		b.requestRefresh()
	}
}

func (b *Bridge) requestRefresh() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

func (b *Bridge) refreshLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.refresh:
			b.publishSnapshot()
		}
	}
}

// statePayload is the body of {prefix}/state.
type statePayload struct {
	Phase   string            `json:"phase"`
	Ready   bool              `json:"ready"`
	Package *uint8            `json:"package,omitempty"`
	Channel *uint8            `json:"channel,omitempty"`
	Cycle   uint64            `json:"cycle"`
	Link    string            `json:"link,omitempty"`
	Outcome *sideband.Outcome `json:"outcome,omitempty"`
}

func buildState(st sideband.Status) statePayload {
	p := statePayload{
		Phase:   st.Engine.Phase.String(),
		Cycle:   st.Engine.Cycle,
		Link:    st.Link,
		Outcome: st.Outcome,
	}
	if st.Outcome != nil && st.Outcome.Ready && st.Outcome.Selection != nil {
		pkg, ch := st.Outcome.Selection.Package, st.Outcome.Selection.Channel
		p.Ready = true
		p.Package, p.Channel = &pkg, &ch
	}
	return p
}

func (b *Bridge) publishSnapshot() {
	ctx, cancel := context.WithTimeout(b.ctx, statusTimeout)
	defer cancel()
	st, err := b.src.Status(ctx)
	if err != nil {
		b.logger.Debug("status unavailable", "err", err)
		return
	}
	b.publish(b.topic("state"), mustJSON(buildState(st)), true)
	b.publish(b.topic("topology"), mustJSON(st.Engine.Topology), true)
	b.publish(b.topic("stats"), mustJSON(map[string]any{
		"stats":   st.Engine.Stats,
		"dropped": st.Engine.Stats.Dropped(),
	}), true)
}

type command struct {
	Action string `json:"action"`
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}
	switch strings.ToLower(cmd.Action) {
	case "restart":
		if err := b.src.Restart(); err != nil {
			b.logger.Warn("restart command failed", "err", err)
			return
		}
		b.logger.Info("restart requested over MQTT")
	case "refresh":
		b.requestRefresh()
	default:
		b.logger.Warn("unknown command", "action", cmd.Action)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) publishWait(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("MQTT publish timeout", "topic", topic)
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
