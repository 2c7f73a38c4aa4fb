// Package ws implements the broadcast hub: it fans events from the bus out
// to every connected WebSocket client as {type, data, timestamp} envelopes.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is public read-only; origin checks add nothing here.
		return true
	},
}

// client is a single WebSocket connection. A full send buffer drops
// messages for this client only; it never slows the hub or its peers.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// controlMsg is the JSON shape of inbound client messages.
type controlMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// Hub manages connected clients and broadcasts every bus event to all of
// them. Channel subscriptions are advisory acks only; all clients receive
// the full event feed.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	bus        domain.EventBus
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub bridging the event bus to WebSocket clients.
func NewHub(bus domain.EventBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With("component", "ws"),
	}
}

// Run is the hub's main loop: client registration, unregistration and
// fan-out. It exits when the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	events, cancel, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", h.ClientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", h.ClientCount()),
			)

		case ev, ok := <-events:
			if !ok {
				return domain.ErrStopped
			}
			data, err := json.Marshal(envelope(string(ev.Type), ev.Data, ev.Timestamp))
			if err != nil {
				h.logger.Warn("drop unencodable event", slog.String("type", string(ev.Type)))
				continue
			}
			h.send(data)

		case data := <-h.broadcast:
			h.send(data)
		}
	}
}

func (h *Hub) send(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("client_id", c.id))
		}
	}
}

// Broadcast queues one envelope for delivery to every client, bypassing the
// bus. Used for hub-local notifications.
func (h *Hub) Broadcast(msgType string, data any) {
	raw, err := json.Marshal(envelope(msgType, data, time.Now().UnixMilli()))
	if err != nil {
		return
	}
	select {
	case h.broadcast <- raw:
	default:
	}
}

// envelope is the outbound wire shape for every hub message.
func envelope(msgType string, data any, ts int64) map[string]any {
	return map[string]any{
		"type":      msgType,
		"data":      data,
		"timestamp": ts,
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.register <- c
	c.enqueue(envelope("connected", map[string]any{"client_id": c.id}, time.Now().UnixMilli()))

	go c.writePump()
	go c.readPump()
}

// readPump handles inbound control messages: subscribe is acked, ping gets
// a pong, anything else gets an error reply without closing the socket.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.enqueue(envelope("error", map[string]any{"message": "invalid message"}, time.Now().UnixMilli()))
			continue
		}

		switch msg.Type {
		case "subscribe":
			// Advisory only: every client already receives all events.
			c.enqueue(envelope("subscribed", map[string]any{"channel": msg.Channel}, time.Now().UnixMilli()))
		case "ping":
			c.enqueue(envelope("pong", nil, time.Now().UnixMilli()))
		default:
			c.enqueue(envelope("error", map[string]any{
				"message": "unknown message type: " + msg.Type,
			}, time.Now().UnixMilli()))
		}
	}
}

func (c *client) enqueue(env map[string]any) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// writePump pumps queued envelopes to the connection and keeps it alive
// with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
