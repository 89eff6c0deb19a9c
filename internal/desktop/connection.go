package desktop

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cloudchat/chat-core/internal/notify"
)

// Connection is one connected companion.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time

	writeMu sync.Mutex // serializes outbound frames

	mu         sync.Mutex
	lastSeen   time.Time
	permission notify.Permission
}

func newConnection(id string, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		lastSeen:   now,
		permission: notify.PermissionDefault,
	}
}

// WriteMessage sends a text frame, bounded by timeout when it is positive.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen is the time of the last frame received.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Permission is the last state the companion reported.
func (c *Connection) Permission() notify.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

func (c *Connection) setPermission(p notify.Permission) {
	c.mu.Lock()
	c.permission = p
	c.mu.Unlock()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a goroutine-safe registry of companions.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection. It reports whether the
// connection was still registered, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// Count returns the number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the connections, oldest first.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool {
		if !conns[i].CreatedAt.Equal(conns[j].CreatedAt) {
			return conns[i].CreatedAt.Before(conns[j].CreatedAt)
		}
		return conns[i].ID < conns[j].ID
	})
	return conns
}
