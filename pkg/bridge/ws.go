package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PageEvent is the wire form of a bridge-to-page message.
type PageEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// client is one connected page.
type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub is the websocket surface between the hosting page and the bridge.
// It enforces the origin check on upgrade and exposes the redundant
// "installed" presence marker.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader
	handler  func(raw []byte)

	mu        sync.RWMutex
	clients   map[*client]bool
	installed bool

	broadcast  chan PageEvent
	register   chan *client
	unregister chan *client
}

// NewHub creates a hub restricted to the given page origins.
func NewHub(allowedOrigins []string, log zerolog.Logger) *Hub {
	h := &Hub{
		log:        log.With().Str("component", "ws").Logger(),
		clients:    make(map[*client]bool),
		broadcast:  make(chan PageEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Same-origin requests have no Origin header
			}
			for _, prefix := range allowedOrigins {
				if strings.HasPrefix(origin, prefix) {
					return true
				}
			}
			h.log.Warn().Str("origin", origin).Msg("rejected websocket from disallowed origin")
			return false
		},
	}
	return h
}

// SetHandler installs the bridge's page message handler.
func (h *Hub) SetHandler(handler func(raw []byte)) {
	h.handler = handler
}

// MarkInstalled raises the redundant presence marker the page can poll
// instead of racing PING/PONG over the socket.
func (h *Hub) MarkInstalled() {
	h.mu.Lock()
	h.installed = true
	h.mu.Unlock()
}

// Installed reports the presence marker.
func (h *Hub) Installed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.installed
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug().Msg("page connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.log.Debug().Msg("page disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client too slow, drop
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event to every connected page.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	event := PageEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	select {
	case h.broadcast <- event:
	default:
		// Channel full, drop event
	}
}

// HandleWebSocket upgrades a page connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64), hub: h}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// HandlePresence serves the installed marker over plain HTTP.
func (h *Hub) HandlePresence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"installed": h.Installed()})
}

// Mux returns the hub's HTTP routes.
func (h *Hub) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/presence", h.HandlePresence)
	return mux
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(64 << 10)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.hub.handler != nil {
			c.hub.handler(raw)
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
