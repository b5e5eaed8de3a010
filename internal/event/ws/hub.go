// Package ws fans out realtime events to websocket subscribers grouped by
// conversation.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hoalng/chat-service/internal/event"
	"github.com/hoalng/chat-service/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Inbound frames are control traffic only.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	conversationID uuid.UUID
}

// Hub tracks websocket subscribers per conversation and implements
// event.Emitter. A slow subscriber is dropped rather than allowed to block
// the fanout.
type Hub struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]map[*client]bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: map[uuid.UUID]map[*client]bool{}}
}

// Emit serializes the payload and queues it for every subscriber of the
// event's conversation.
func (h *Hub) Emit(ctx context.Context, p event.Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Error("Failed to encode event", "kind", p.Kind, "err", err)
		return
	}
	if security.EventsPublishedTotal != nil {
		security.EventsPublishedTotal.WithLabelValues(string(p.Kind)).Inc()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[p.ConversationID] {
		select {
		case c.send <- data:
		default:
			h.removeLocked(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.conversationID]
	if room == nil {
		room = map[*client]bool{}
		h.rooms[c.conversationID] = room
	}
	room[c] = true
	if security.WebsocketConnections != nil {
		security.WebsocketConnections.Inc()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	room := h.rooms[c.conversationID]
	if room == nil || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.conversationID)
	}
	close(c.send)
	if security.WebsocketConnections != nil {
		security.WebsocketConnections.Dec()
	}
}

// Subscribers returns the current subscriber count for a conversation.
func (h *Hub) Subscribers(conversationID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[conversationID])
}

// HandleWS upgrades the request and attaches the connection to the
// conversation's room. The caller is responsible for membership checks
// before invoking this.
func (h *Hub) HandleWS(c *gin.Context, conversationID uuid.UUID) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Info("Websocket upgrade failed", "err", err)
		return
	}

	cl := &client{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, 64),
		conversationID: conversationID,
	}
	h.add(cl)

	go cl.writePump()
	go cl.readPump()
}

// readPump drains inbound frames so pong handling works, and tears the
// client down when the peer goes away.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

var _ event.Emitter = (*Hub)(nil)
