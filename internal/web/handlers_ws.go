package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ncsi-sideband/internal/events"
)

const (
	hubBacklog   = 256
	clientQueue  = 64
	writeTimeout = 10 * time.Second
)

// WSHub fans bus events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan events.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	only  map[string]bool // nil: every type
	muted map[string]bool
}

// wsControl is the message a client sends to change its event filter.
type wsControl struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

func (c *wsClient) wants(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted[typ] {
		return false
	}
	return c.only == nil || c.only[typ]
}

// apply narrows the filter to subscribed types and mutes unsubscribed ones.
func (c *wsClient) apply(ctl wsControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, typ := range ctl.Subscribe {
		if c.only == nil {
			c.only = make(map[string]bool)
		}
		c.only[typ] = true
		delete(c.muted, typ)
	}
	for _, typ := range ctl.Unsubscribe {
		if c.muted == nil {
			c.muted = make(map[string]bool)
		}
		c.muted[typ] = true
		delete(c.only, typ)
	}
}

// parseTypes splits a comma-separated ?types= value.
func parseTypes(raw string) []string {
	var out []string
	for _, typ := range strings.Split(raw, ",") {
		if typ = strings.TrimSpace(typ); typ != "" {
			out = append(out, typ)
		}
	}
	return out
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan events.Event, hubBacklog),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				continue
			}
			h.fanOut(ev.Type, data)
		}
	}
}

// fanOut delivers data to every client whose filter accepts typ. A client
// whose queue is full is disconnected.
func (h *WSHub) fanOut(typ string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*wsClient
	for client := range h.clients {
		if !client.wants(typ) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted", "event", typ, "queue", clientQueue)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues ev for every connected client. It never blocks; when
// the backlog is full the event is dropped.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

// handleWS upgrades the request. The first message is a "status" event
// carrying the current snapshot; bus events follow. ?types=ready,failed
// limits the stream to those event types, and the client may send a
// wsControl message at any time to change that.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientQueue),
	}
	if types := parseTypes(r.URL.Query().Get("types")); len(types) > 0 {
		client.apply(wsControl{Subscribe: types})
	}
	if st, err := s.ctrl.Status(r.Context()); err == nil {
		if data, err := json.Marshal(events.Event{Type: "status", Time: time.Now(), Data: st}); err == nil {
			client.send <- data
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump applies filter changes from the client and unregisters on
// disconnect. Malformed messages are ignored.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, msg, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var ctl wsControl
		if err := json.Unmarshal(msg, &ctl); err != nil {
			s.logger.Debug("ws control ignored", "err", err)
			continue
		}
		client.apply(ctl)
	}
}
