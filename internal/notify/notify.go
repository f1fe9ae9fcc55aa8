// Package notify fans out user-facing events over WebSocket connections.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxConnsPerUser caps simultaneous sockets for one user.
	maxConnsPerUser = 8
	// backlogSize is how many recent events are replayed to a new subscriber.
	backlogSize = 50

	writeWait = 10 * time.Second
)

// Event is a single user-facing notification.
type Event struct {
	Type    string          `json:"type"`
	Level   string          `json:"level"` // "info" or "error"
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Time    time.Time       `json:"time"`
}

// Hub tracks per-user WebSocket subscribers and a short replay backlog.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]map[*websocket.Conn]struct{}
	backlog map[string][]Event
}

// NewHub creates an empty notification hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		conns:   make(map[string]map[*websocket.Conn]struct{}),
		backlog: make(map[string][]Event),
	}
}

// Subscribe registers a connection for a user and replays the backlog.
// It returns false when the user already holds too many connections.
func (h *Hub) Subscribe(userID string, conn *websocket.Conn) bool {
	h.mu.Lock()
	set := h.conns[userID]
	if len(set) >= maxConnsPerUser {
		h.mu.Unlock()
		return false
	}
	if set == nil {
		set = make(map[*websocket.Conn]struct{})
		h.conns[userID] = set
	}
	set[conn] = struct{}{}
	replay := make([]Event, len(h.backlog[userID]))
	copy(replay, h.backlog[userID])
	h.mu.Unlock()

	for _, ev := range replay {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.Unsubscribe(userID, conn)
			return false
		}
	}
	return true
}

// Unsubscribe removes a connection. Safe to call twice.
func (h *Hub) Unsubscribe(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Publish records an event and sends it to every live subscriber of the user.
func (h *Hub) Publish(userID string, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	bl := append(h.backlog[userID], ev)
	if len(bl) > backlogSize {
		bl = bl[len(bl)-backlogSize:]
	}
	h.backlog[userID] = bl

	targets := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(ev); err != nil {
			h.logger.Debug("notify write failed, dropping subscriber",
				"user_id", userID, "error", err)
			h.Unsubscribe(userID, c)
			c.Close()
		}
	}
}

// Backlog returns a copy of the recent events for a user.
func (h *Hub) Backlog(userID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.backlog[userID]))
	copy(out, h.backlog[userID])
	return out
}
