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

	"enocean-go-home/internal/coordinator"
)

const (
	wsSendBuffer   = 64
	wsBacklog      = 256
	wsReadLimit    = 4096
	wsWriteTimeout = 10 * time.Second
)

// WSHub fans coordinator events out to WebSocket clients. Each client sees
// the events matching its subscription; a client that has not subscribed
// sees everything.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	filter wsFilter
}

// wsFilter narrows a client's stream. Empty fields match everything.
type wsFilter struct {
	devices map[string]bool // upper-case hex ids and lower-case names
	types   map[string]bool
}

func (f wsFilter) match(ev coordinator.Event) bool {
	if len(f.types) > 0 && !f.types[ev.Type] {
		return false
	}
	if len(f.devices) > 0 {
		return f.devices[strings.ToUpper(ev.DeviceID)] || f.devices[strings.ToLower(ev.Name)]
	}
	return true
}

func (c *wsClient) wants(ev coordinator.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.match(ev)
}

func (c *wsClient) subscribe(devices, types []string) {
	f := wsFilter{}
	if len(devices) > 0 {
		f.devices = make(map[string]bool, 2*len(devices))
		for _, d := range devices {
			f.devices[strings.ToUpper(d)] = true
			f.devices[strings.ToLower(d)] = true
		}
	}
	if len(types) > 0 {
		f.types = make(map[string]bool, len(types))
		for _, t := range types {
			f.types[t] = true
		}
	}
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// snapshotMessage is the first message on every connection.
type snapshotMessage struct {
	Type    string                       `json:"type"`
	Devices []coordinator.DeviceSnapshot `json:"devices"`
}

// clientMessage is what clients may send:
//
//	{"type": "subscribe", "devices": ["019A2B3C"], "events": ["state_changed"]}
//
// An empty subscribe resets the filter.
type clientMessage struct {
	Type    string   `json:"type"`
	Devices []string `json:"devices"`
	Events  []string `json:"events"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan coordinator.Event, wsBacklog),
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

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *WSHub) fanOut(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for all interested clients. It never blocks;
// events are dropped when the backlog is full.
func (h *WSHub) Broadcast(ev coordinator.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws backlog full, dropping event", "type", ev.Type, "id", ev.DeviceID)
	}
}

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
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	hello, err := json.Marshal(snapshotMessage{Type: "snapshot", Devices: s.coord.Devices().List()})
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	client.send <- hello

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
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Closed by the hub.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

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
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "subscribe" {
			s.logger.Debug("ws ignoring client message", "data", string(data))
			continue
		}
		client.subscribe(msg.Devices, msg.Events)
		s.logger.Debug("ws subscription", "devices", msg.Devices, "events", msg.Events)
	}
}
