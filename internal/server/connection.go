package server

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// UserID is empty until the client completes the auth handshake.
type Connection struct {
	ID         string     // connection ID (UUID)
	UserID     string     // set after a successful auth frame
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for poller lookups
	CreatedAt  time.Time  // when the connection was established
	LastActive time.Time  // last successful read from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a thread-safe connection registry with O(1) lookups by
// connection ID, underlying net.Conn, and (once authenticated) user ID.
// Keying the read path by net.Conn rather than file descriptor keeps
// lookups correct on platforms where the poller has no usable fd.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
	byUser map[string]*Connection   // user_id -> Connection (post-auth)
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]*Connection),
	}
}

// Add registers a new connection in the ID and net.Conn lookup maps.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.byConn[conn.Conn] = conn
	r.mu.Unlock()
}

// SetUser binds a user id to an authenticated connection. If the user
// already had a connection, the previous one is returned so the caller can
// close it; a user holds at most one live connection.
func (r *Registry) SetUser(conn *Connection, userID string) *Connection {
	r.mu.Lock()
	prev := r.byUser[userID]
	if prev == conn {
		prev = nil
	}
	conn.UserID = userID
	r.byUser[userID] = conn
	r.mu.Unlock()
	return prev
}

// Remove removes a connection by connection ID, closes the underlying
// network connection, and removes it from all lookup maps. Returns true if
// the connection was found and removed, false if it was already gone.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byConn, conn.Conn)
		if conn.UserID != "" && r.byUser[conn.UserID] == conn {
			delete(r.byUser, conn.UserID)
		}
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn, or nil.
func (r *Registry) GetByConn(c net.Conn) *Connection {
	r.mu.RLock()
	conn := r.byConn[c]
	r.mu.RUnlock()
	return conn
}

// GetByUser returns the authenticated connection for a user, or nil.
func (r *Registry) GetByUser(userID string) *Connection {
	r.mu.RLock()
	conn := r.byUser[userID]
	r.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Authenticated returns a snapshot of all connections that have completed
// the auth handshake.
func (r *Registry) Authenticated() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}
