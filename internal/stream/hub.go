// Package stream pushes live session status to websocket watchers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conn is the part of *websocket.Conn the hub needs.
type Conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// Hub tracks open status streams per lab session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]Conn),
	}
}

// Register adds a watcher's connection for a session.
func (h *Hub) Register(sessionID, watcherID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[string]Conn)
	}

	if existing, exists := h.active[sessionID][watcherID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "stream replaced")
	}

	h.active[sessionID][watcherID] = conn
	slog.Debug("Status stream registered", "session_id", sessionID, "watcher_id", watcherID)
}

// Unregister removes a watcher if conn is still the current one.
func (h *Hub) Unregister(sessionID, watcherID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if watchers, ok := h.active[sessionID]; ok {
		if current, exists := watchers[watcherID]; exists && current == conn {
			delete(watchers, watcherID)
			if len(watchers) == 0 {
				delete(h.active, sessionID)
			}
			slog.Debug("Status stream unregistered", "session_id", sessionID, "watcher_id", watcherID)
		}
	}
}

// CloseSession closes every stream watching sessionID. It is registered as
// a lifecycle teardown callback.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	watchers, ok := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	for wid, conn := range watchers {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		slog.Info("Status stream closed", "session_id", sessionID, "watcher_id", wid)
	}
}

// Count returns the number of open streams.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, watchers := range h.active {
		n += len(watchers)
	}
	return n
}
