package ws

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/luvvix/dm-core/internal/chatview"
)

// Connection is one authenticated WebSocket client. Writes are serialized by
// a mutex; reads happen on worker goroutines, one at a time.
type Connection struct {
	ID        string    // session ID (UUID)
	UserID    string    // authenticated user
	Conn      net.Conn  // underlying connection, possibly wrapped by Epoll
	CreatedAt time.Time // when the connection was established

	// View is the connection's chat state, attached on connect.
	View *chatview.State

	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last frame or pong
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	// streamMu orders chat events on the wire relative to chat_ready and
	// history replies.
	streamMu  sync.Mutex
	streaming bool
	sentTail  map[string]struct{}
	startSeq  uint64
}

// NewConnection wraps conn for userID under a fresh session id.
func NewConnection(id, userID string, conn net.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.Touch()
	return c
}

// Context is cancelled when the connection is removed.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last client activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close cancels the connection context and closes the network connection.
func (c *Connection) Close() error {
	c.cancel()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections, indexed by
// session ID and by the net.Conn the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by session ID and closes it. It reports
// whether the connection was still registered, so concurrent removals clean
// up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection registered for c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
