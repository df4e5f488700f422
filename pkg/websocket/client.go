package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Per-session outbound buffer
	sendBufferSize = 64
)

// Event is the wire frame for both directions.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an outbound event stamped now.
func NewEvent(eventType string, data map[string]interface{}) *Event {
	return &Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

// Client represents one connected driver or passenger session.
type Client struct {
	ID   string
	Role Role
	Conn *websocket.Conn

	hub      *Hub
	send     chan *Event
	closeMu  sync.Mutex
	closed   bool
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, role Role, id string) *Client {
	return &Client{
		ID:   id,
		Role: role,
		Conn: conn,
		hub:  hub,
		send: make(chan *Event, sendBufferSize),
	}
}

// trySend queues an event without blocking. False means the session is gone
// or saturated; the frame is dropped (at-most-once delivery).
func (c *Client) trySend(event *Event) bool {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return false
	}
	select {
	case c.send <- event:
		c.closeMu.Unlock()
		return true
	default:
		c.closeMu.Unlock()
		return false
	}
}

func (c *Client) closeSend() {
	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.closeMu.Unlock()
}

// ReadPump reads inbound frames and routes them through the hub. Runs as
// one goroutine per session; exits on connection loss.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("session read error",
					zap.String("role", string(c.Role)),
					zap.String("id", c.ID),
					zap.Error(err),
				)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			logger.Warn("malformed frame dropped", zap.String("id", c.ID), zap.Error(err))
			continue
		}
		c.hub.HandleMessage(c, &event)
	}
}

// WritePump writes queued events and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
