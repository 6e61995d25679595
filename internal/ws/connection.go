package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated client socket. Writes are serialized by
// writeMu; the identity fields are fixed at upgrade time.
type Connection struct {
	ID        string   // ephemeral connection id, sent to the client in "connected"
	UserID    string   // subject of the bearer token
	Name      string   // display name from the token
	Role      string   // doctor, patient, ...
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor (-1 off Linux)
	CreatedAt time.Time

	lastActive int64 // unix nanos, atomic
	writeMu    sync.Mutex
	processing int32 // atomic: 1 while a worker is reading a frame
}

// WriteMessage sends one text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns when the connection last proved it was alive.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by id, by net.Conn (for the
// poller) and by user id (a user may have several tabs open).
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	if conn.UserID != "" {
		set, ok := cm.byUser[conn.UserID]
		if !ok {
			set = make(map[string]*Connection)
			cm.byUser[conn.UserID] = set
		}
		set[conn.ID] = conn
	}
}

// Remove unregisters and closes the connection with the given id. It returns
// false if the connection was already gone, so concurrent removals clean up
// once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if set := cm.byUser[conn.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// ByUser returns the live connections of one user.
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	set := cm.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every live connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
