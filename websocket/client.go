// Package websocket is the client transport: it upgrades HTTP connections,
// reads envelope frames into the dispatch core, and writes every outbound
// payload through a single per-connection writer goroutine.
package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kysua/chat-server/config"
)

const pingInterval = 25 * time.Second

// ClientConn is one connected client. All socket writes happen on its
// writer goroutine; Send only enqueues. The authenticated user id is a
// typed field set at login (zero means unauthenticated), so disconnect and
// heartbeat never need to recover an identity dynamically.
type ClientConn struct {
	conn *websocket.Conn
	cfg  *config.WebSocketConfig
	log  *zap.Logger

	sendq     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	authID    atomic.Int64
}

// NewClientConn wraps an upgraded connection and starts its writer.
func NewClientConn(conn *websocket.Conn, cfg *config.WebSocketConfig, log *zap.Logger) *ClientConn {
	c := &ClientConn{
		conn:   conn,
		cfg:    cfg,
		log:    log,
		sendq:  make(chan []byte, cfg.SendQueueSize),
		closed: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send posts a payload to this connection's writer. It never blocks the
// caller: a closed connection or a full outbound queue reports false and
// the payload is dropped (the client is too slow to keep).
func (c *ClientConn) Send(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.sendq <- payload:
		return true
	case <-c.closed:
		return false
	default:
		c.log.Warn("outbound queue full, dropping payload")
		return false
	}
}

// AuthUserID returns the identity tagged at login, ok=false before any
// successful login.
func (c *ClientConn) AuthUserID() (int64, bool) {
	id := c.authID.Load()
	return id, id != 0
}

// SetAuthUserID tags (or with 0, clears) the connection's identity.
func (c *ClientConn) SetAuthUserID(id int64) {
	c.authID.Store(id)
}

// Close shuts the connection down once; safe from any goroutine.
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Duration(c.cfg.WriteTimeout) * time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
}

// writePump is the connection's single writer: queued payloads and
// keepalive pings both leave through here and nowhere else.
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	writeTimeout := time.Duration(c.cfg.WriteTimeout) * time.Second
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.sendq:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed, closing connection", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
		}
	}
}
