package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfusion/internal/events"
)

// WebSocket buffer and timing constants
const (
	wsSendBuffer = 256
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator dashboard is same-host; the feed is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected dashboard browser
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans the event stream out to dashboard WebSocket clients
type Hub struct {
	mu         sync.Mutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	bus        *events.Bus
	sub        *events.Subscription
}

// NewHub creates the hub over the event bus
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, wsSendBuffer),
		done:       make(chan struct{}),
		bus:        bus,
	}
}

// Run starts the hub loop and subscribes to every topic
func (h *Hub) Run() {
	h.sub = h.bus.Subscribe(events.TopicAll, func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case h.broadcast <- data:
		default:
			// Dashboard feed is best-effort.
		}
	})

	go func() {
		for {
			select {
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()

			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()

			case message := <-h.broadcast:
				h.mu.Lock()
				for client := range h.clients {
					select {
					case client.send <- message:
					default:
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()

			case <-h.done:
				h.mu.Lock()
				for client := range h.clients {
					close(client.send)
					delete(h.clients, client)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}

// Stop unsubscribes and disconnects every client
func (h *Hub) Stop() {
	if h.sub != nil {
		h.bus.Unsubscribe(h.sub)
		h.sub = nil
	}
	close(h.done)
}

// ServeWS upgrades an operator connection and attaches it to the hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[TRANSPORT] websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards client messages (the feed is read-only) and detects
// disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes broadcast frames and keep-alive pings
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
