package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/mchcare/internal/store"
)

// Message is a notification pushed to every connected client. Type is
// "<entity>_<action>", e.g. "patients_updated" or "backup_completed".
type Message struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     int64  `json:"id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func NewMessage(entity, action string, id int64, data any) Message {
	return Message{
		Type:   entity + "_" + action,
		Entity: entity,
		Action: action,
		ID:     id,
		Data:   data,
	}
}

// ChangeMessage converts a store write notification.
func ChangeMessage(c store.Change) Message {
	return NewMessage(c.Entity, c.Action, c.ID, nil)
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends msg to every client subscribed to its entity. A client
// whose buffer is full misses the message.
func (h *Hub) Broadcast(msg Message) {
	h.broadcast(msg, false)
}

// BroadcastAdmin is Broadcast restricted to administrator connections.
// Backup and restore progress goes through here.
func (h *Hub) BroadcastAdmin(msg Message) {
	h.broadcast(msg, true)
}

func (h *Hub) broadcast(msg Message, adminOnly bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent, dropped := 0, 0
	for c := range h.clients {
		if !c.wants(msg.Entity, adminOnly) {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("dropped broadcast for slow clients", "type", msg.Type, "sent", sent, "clients", dropped)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
