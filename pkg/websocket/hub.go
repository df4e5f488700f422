package websocket

import (
	"sync"

	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"go.uber.org/zap"
)

// Role distinguishes the two session kinds the hub carries.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

// MessageHandler is a function that handles incoming messages
type MessageHandler func(*Client, *Event)

// DisconnectHandler observes session loss. Dispatch uses it to treat a
// mid-wave driver disconnect as a timeout.
type DisconnectHandler func(role Role, id string)

// Hub maintains the set of active driver and passenger sessions and pushes
// events to them. Delivery is at-most-once per connection; Deliver reports
// loss so upstream can do its bookkeeping.
type Hub struct {
	mu           sync.RWMutex
	drivers      map[string]*Client
	passengers   map[string]*Client
	handlers     map[string]MessageHandler
	onDisconnect []DisconnectHandler
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		drivers:    make(map[string]*Client),
		passengers: make(map[string]*Client),
		handlers:   make(map[string]MessageHandler),
	}
}

// Register adds a client, displacing any previous session for the same id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	set := h.setFor(client.Role)
	if existing, ok := set[client.ID]; ok {
		existing.closeSend()
	}
	set[client.ID] = client
	h.mu.Unlock()

	logger.Debug("session registered",
		zap.String("role", string(client.Role)),
		zap.String("id", client.ID),
	)
}

// Unregister removes a client and notifies disconnect observers. A stale
// unregister for an already-replaced session is ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	set := h.setFor(client.Role)
	current, ok := set[client.ID]
	if ok && current == client {
		delete(set, client.ID)
		client.closeSend()
	}
	h.mu.Unlock()

	if !ok || current != client {
		return
	}

	for _, fn := range h.onDisconnect {
		fn(client.Role, client.ID)
	}
}

// OnDisconnect adds a session-loss observer. Not safe to call after serving
// begins.
func (h *Hub) OnDisconnect(fn DisconnectHandler) {
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Deliver pushes an event to one session. Returns false when the session is
// gone or its send buffer is saturated; the event is dropped either way.
func (h *Hub) Deliver(role Role, id string, event *Event) bool {
	h.mu.RLock()
	client, ok := h.setFor(role)[id]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return client.trySend(event)
}

// BroadcastPassengers delivers an event to every connected passenger.
// Best effort; losses are not reported.
func (h *Hub) BroadcastPassengers(event *Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.passengers))
	for _, c := range h.passengers {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.trySend(event)
	}
}

// RegisterHandler registers an inbound message handler for an event type.
func (h *Hub) RegisterHandler(eventType string, handler MessageHandler) {
	h.mu.Lock()
	h.handlers[eventType] = handler
	h.mu.Unlock()
}

// HandleMessage routes an inbound message to its handler.
func (h *Hub) HandleMessage(client *Client, event *Event) {
	h.mu.RLock()
	handler, ok := h.handlers[event.Type]
	h.mu.RUnlock()

	if !ok {
		logger.Warn("no handler for event type", zap.String("type", event.Type))
		return
	}
	handler(client, event)
}

// Connected reports whether a session is currently registered.
func (h *Hub) Connected(role Role, id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.setFor(role)[id]
	return ok
}

// SessionCount returns the number of connected sessions for a role.
func (h *Hub) SessionCount(role Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.setFor(role))
}

func (h *Hub) setFor(role Role) map[string]*Client {
	if role == RoleDriver {
		return h.drivers
	}
	return h.passengers
}
