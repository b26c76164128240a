package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlock/driftlock/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// wsMessage is the frame sent to WebSocket clients.
type wsMessage struct {
	Type      string       `json:"type"`
	Data      Notification `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// wsSubscription is a client's subscription request. An empty session list
// subscribes to everything.
type wsSubscription struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Sessions []string `json:"sessions"`
}

// wsClient represents a connected WebSocket client.
type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	sessions map[string]bool
	mu       sync.RWMutex
	hub      *WSHub
}

// WSHub bridges the Bus to WebSocket clients with per-session filtering.
// Slow clients are disconnected rather than allowed to stall the hub.
type WSHub struct {
	bus        *Bus
	clients    map[*wsClient]bool
	broadcast  chan Notification
	register   chan *wsClient
	unregister chan *wsClient
	log        *logging.Logger
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSHub creates a hub fed by the bus.
func NewWSHub(bus *Bus) *WSHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSHub{
		bus:        bus,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan Notification, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logging.Component("ws"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the hub loop and the bus bridge.
func (h *WSHub) Start() {
	updates, unsub := h.bus.SubscribeAll()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		defer unsub()
		for {
			select {
			case n, ok := <-updates:
				if !ok {
					return
				}
				select {
				case h.broadcast <- n:
				default:
					h.log.Warn("Broadcast channel full, dropping update", "session", n.SessionID)
				}
			case <-h.ctx.Done():
				return
			}
		}
	}()
	go h.run()
}

// Stop disconnects all clients and halts the hub.
func (h *WSHub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

func (h *WSHub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client disconnected", "clients", count)

		case n := <-h.broadcast:
			data, err := json.Marshal(wsMessage{
				Type:      "session_update",
				Data:      n,
				Timestamp: n.Timestamp.Unix(),
			})
			if err != nil {
				h.log.Error("Failed to marshal update", "error", err)
				continue
			}

			h.mu.RLock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(n.SessionID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			// Disconnect clients whose buffers are full.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a WebSocket subscription connection.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, 256),
		sessions: make(map[string]bool),
		hub:      h,
	}

	// The hub loop may already be gone during shutdown; never block the
	// HTTP handler on it.
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// wants reports whether the client subscribed to this session. No explicit
// subscriptions means the firehose.
func (c *wsClient) wants(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 || c.sessions[sessionID]
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub wsSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush queued messages into the same frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleSubscription(sub *wsSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range sub.Sessions {
		switch sub.Action {
		case "subscribe":
			c.sessions[id] = true
		case "unsubscribe":
			delete(c.sessions, id)
		}
	}
}
