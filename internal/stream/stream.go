// Package stream pushes order and position updates to dashboard clients over
// websockets.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
)

const (
	EventOrderUpdated    = "order.updated"
	EventPositionUpdated = "position.updated"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Event is the frame sent to clients.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type message struct {
	accountID int64
	payload   []byte
}

// Client is one websocket connection. A zero accountID receives every event.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	accountID int64
}

// Hub fans events out to connected clients. Clients that cannot keep up
// are disconnected rather than slowing down publishers.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader
}

// NewHub creates a hub accepting connections from the given origins. An
// empty list or "*" allows any origin.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	logger := log.With().Str("component", "stream").Logger()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			logger.Info().Msg("stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.Debug().Int64("account_id", client.accountID).Int("clients", total).Msg("stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logger.Debug().Int("clients", total).Msg("stream client disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.accountID != 0 && client.accountID != msg.accountID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					logger.Warn().Int64("account_id", client.accountID).Msg("dropping slow stream client")
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OrderUpdated publishes an order change.
func (h *Hub) OrderUpdated(order types.Order) {
	h.publish(order.AccountID, Event{Type: EventOrderUpdated, Data: order})
}

// PositionUpdated publishes a position change.
func (h *Hub) PositionUpdated(position types.Position) {
	h.publish(position.AccountID, Event{Type: EventPositionUpdated, Data: position})
}

func (h *Hub) publish(accountID int64, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("component", "stream").Str("type", event.Type).Msg("failed to encode event")
		return
	}
	select {
	case h.broadcast <- message{accountID: accountID, payload: payload}:
	default:
		log.Warn().Str("component", "stream").Str("type", event.Type).Msg("stream backlog full, event dropped")
	}
}

// HandleWebSocket handles GET /stream?accountId=
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := types.ParseAccountID(c.Query("accountId"), false)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		if accountID, err = auth.ScopeAccount(c, accountID); err != nil {
			response.HandleError(c, err)
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "stream").Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			hub:       h,
			conn:      conn,
			send:      make(chan []byte, sendBuffer),
			accountID: accountID,
		}
		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// writePump forwards queued events and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// readPump discards client frames; it exists to process pongs and notice
// disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("component", "stream").Msg("stream client read error")
			}
			return
		}
	}
}
