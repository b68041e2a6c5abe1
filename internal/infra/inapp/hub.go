package inapp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Hub tracks live websocket clients per admin id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

// Register adds c to its admin's set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.adminID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.clients[c.adminID] = set
	}
	set[c] = struct{}{}
	slog.Debug("in-app client connected", "admin_id", c.adminID, "connections", len(set))
}

// Unregister removes c and closes it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set := h.clients[c.adminID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.adminID)
		}
	}
	h.mu.Unlock()
	c.Close()
}

// Send queues payload for every connection of adminID and reports how many
// accepted it. A connection whose buffer is full is dropped.
func (h *Hub) Send(adminID string, payload []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[adminID]))
	for c := range h.clients[adminID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(payload) {
			delivered++
		} else {
			h.Unregister(c)
		}
	}
	return delivered
}

// Connections reports the number of live connections for adminID.
func (h *Hub) Connections(adminID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[adminID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for c := range set {
			c.Close()
		}
	}
}

// Client is one websocket connection.
type Client struct {
	adminID string
	conn    *websocket.Conn
	send    chan []byte

	mu     sync.Mutex
	closed bool
}

// NewClient wraps conn for adminID.
func NewClient(adminID string, conn *websocket.Conn) *Client {
	return &Client{adminID: adminID, conn: conn, send: make(chan []byte, sendBuffer)}
}

func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump and closes the connection. Safe to call twice.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// WritePump drains the send buffer to the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("in-app write failed", "admin_id", c.adminID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump discards inbound frames and returns when the peer goes away.
func (c *Client) ReadPump() {
	c.conn.SetReadLimit(4 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
