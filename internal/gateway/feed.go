// Package gateway streams the worker's event bus to operators over
// WebSocket. The feed is read-only: every event published under the
// worker's subject space goes out to each connected client as one JSON
// frame, and clients send nothing but control frames.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
)

const defaultSendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The worker binds to loopback or sits behind the tunnel; origin
	// checks happen upstream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Feed fans bus events out to connected WebSocket clients. A client that
// cannot keep up is disconnected rather than allowed to stall the bus.
type Feed struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	sub     bus.Subscription
	closed  bool
}

// NewFeed creates a feed over the given bus. Start must be called before
// clients receive anything.
func NewFeed(eventBus bus.EventBus, log *logger.Logger) *Feed {
	return &Feed{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "gateway")),
		clients:  make(map[*client]struct{}),
	}
}

// RegisterRoutes mounts the feed endpoint.
func (f *Feed) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/events/ws", f.HandleConnection)
}

// Start subscribes the feed to the worker's whole subject space.
func (f *Feed) Start() error {
	sub, err := f.eventBus.Subscribe(events.SubjectAll, f.relay)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	f.logger.Info("Event feed started", zap.String("subject", events.SubjectAll))
	return nil
}

// Close unsubscribes from the bus and disconnects every client.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.sub != nil {
		err = f.sub.Unsubscribe()
	}
	for c := range f.clients {
		f.removeLocked(c)
	}
	f.logger.Info("Event feed stopped")
	return err
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// HandleConnection upgrades the request and pumps events until the client
// disconnects.
func (f *Feed) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	cl := newClient(uuid.New().String(), conn, f.logger)
	if !f.register(cl) {
		_ = conn.Close()
		return
	}

	f.logger.Debug("Feed client connected",
		zap.String("client_id", cl.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go cl.writePump()
	cl.readPump(f)
}

// relay is the bus handler: it serializes the event once and offers it to
// every client's send queue.
func (f *Feed) relay(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.logger.Warn("Disconnecting slow feed client", zap.String("client_id", c.id))
			f.removeLocked(c)
		}
	}
	return nil
}

func (f *Feed) register(c *client) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(c)
}

// removeLocked drops a client and closes its queue exactly once; the
// membership check is the guard.
func (f *Feed) removeLocked(c *client) {
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}
