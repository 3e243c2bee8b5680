package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer has to answer a ping before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must come in under pongWait so a healthy peer always has
	// a ping to answer.
	pingPeriod = (pongWait * 9) / 10

	// The feed takes no input; inbound frames are control traffic only.
	maxMessageSize = 4 * 1024
)

// client is one feed connection. The feed owns the send channel and closes
// it exactly once; the write pump owns the connection teardown.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, log *logger.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, defaultSendBuffer),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// readPump drains the connection so pongs and close frames are processed.
// Any payload a client sends is discarded.
func (c *client) readPump(f *Feed) {
	defer func() {
		f.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("Feed read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pushes queued events to the peer, one event per frame, and
// keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
