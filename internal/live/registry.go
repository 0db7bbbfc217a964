// Package live serves the interview over a WebSocket, one connection per
// biography session.
package live

import (
	"log/slog"
	"sync"

	"github.com/ashureev/walt/internal/domain"
	"github.com/coder/websocket"
)

// Registry tracks the active connection of every session.
type Registry struct {
	mu     sync.RWMutex
	active map[domain.SessionKey]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[domain.SessionKey]*websocket.Conn)}
}

// Active returns the connection bound to key, or nil.
func (r *Registry) Active(key domain.SessionKey) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[key]
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Register binds conn to key, closing any connection it replaces.
// Closing runs in the background since the close handshake waits on the peer.
func (r *Registry) Register(key domain.SessionKey, conn *websocket.Conn) {
	r.mu.Lock()
	existing := r.active[key]
	r.active[key] = conn
	r.mu.Unlock()

	if existing != nil && existing != conn {
		go closeConn(existing, websocket.StatusPolicyViolation, "session opened elsewhere")
		slog.Info("live session replaced", "user_id", key.UserID, "session_id", key.SessionID)
		return
	}
	slog.Info("live session registered", "user_id", key.UserID, "session_id", key.SessionID)
}

// Unregister removes conn if it is still the one bound to key.
func (r *Registry) Unregister(key domain.SessionKey, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[key]; ok && current == conn {
		delete(r.active, key)
		slog.Info("live session unregistered", "user_id", key.UserID, "session_id", key.SessionID)
	}
}

// CloseSession closes and forgets the connection bound to key, if any.
func (r *Registry) CloseSession(key domain.SessionKey) {
	r.mu.Lock()
	conn, ok := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()

	if ok {
		go closeConn(conn, websocket.StatusNormalClosure, "session closed")
		slog.Info("live session closed", "user_id", key.UserID, "session_id", key.SessionID)
	}
}

func closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if err := conn.Close(code, reason); err != nil {
		slog.Debug("failed to close websocket", "error", err)
	}
}
