package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketMessage is one frame sent to event clients.
type WebSocketMessage struct {
	Type    string            `json:"type"`
	Payload reconstruct.Event `json:"payload"`
}

// Hub fans reconstruction events out to websocket clients. Progress events
// are throttled; bootstrap, finish and abort events always go out.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	limiter *rate.Limiter
	metrics *httpMetrics
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub broadcasting at most perSecond progress events.
func NewHub(perSecond float64, burst int, m *httpMetrics) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		metrics: m,
	}
}

// OnEvent implements reconstruct.Observer.
func (h *Hub) OnEvent(e reconstruct.Event) {
	if !alwaysDelivered(e.Kind) && !h.limiter.Allow() {
		if h.metrics != nil {
			h.metrics.droppedEvents.Inc()
		}
		return
	}
	data, err := json.Marshal(WebSocketMessage{Type: "event", Payload: e})
	if err != nil {
		slog.Error("Failed to encode event", "error", err)
		return
	}
	h.broadcast(data)
}

func alwaysDelivered(kind string) bool {
	switch kind {
	case reconstruct.EventBootstrapped, reconstruct.EventFinished, reconstruct.EventAborted:
		return true
	default:
		return false
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the client rather than block the run.
			h.remove(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.remove(c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.websocketConns.Inc()
	}
	return true
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.websocketConns.Dec()
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// serve upgrades the request and pumps events until the client leaves.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			return
		}
		if h.metrics != nil {
			h.metrics.websocketMessages.WithLabelValues("received").Inc()
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.websocketMessages.WithLabelValues("sent").Inc()
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
