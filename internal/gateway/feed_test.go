package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
)

func newGatewayLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// newFeedFixture starts a feed on an in-memory bus, serves it over httptest
// and dials one WebSocket client into it.
func newFeedFixture(t *testing.T) (*Feed, bus.EventBus, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := newGatewayLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	feed := NewFeed(eventBus, log)
	require.NoError(t, feed.Start())
	t.Cleanup(func() { _ = feed.Close() })

	engine := gin.New()
	feed.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	// Registration happens on the handler goroutine after the handshake.
	require.Eventually(t, func() bool {
		return feed.ClientCount() == 1
	}, 3*time.Second, 5*time.Millisecond)

	return feed, eventBus, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var got bus.Event
	require.NoError(t, json.Unmarshal(frame, &got))
	return got
}

func TestFeedStreamsBusEvents(t *testing.T) {
	_, eventBus, conn := newFeedFixture(t)
	ctx := context.Background()

	created := bus.NewEvent(events.SessionCreated, "coordinator", map[string]interface{}{
		"issue_id": "i1",
	})
	require.NoError(t, eventBus.Publish(ctx, events.SessionCreated, created))

	posted := bus.NewEvent(events.ActivityPosted, "coordinator", map[string]interface{}{
		"activity_id": "activity-1",
	})
	require.NoError(t, eventBus.Publish(ctx, events.ActivityPosted, posted))

	first := readEvent(t, conn)
	assert.Equal(t, events.SessionCreated, first.Type)
	assert.Equal(t, "coordinator", first.Source)
	assert.Equal(t, "i1", first.Data["issue_id"])

	second := readEvent(t, conn)
	assert.Equal(t, events.ActivityPosted, second.Type)
	assert.Equal(t, "activity-1", second.Data["activity_id"])
}

func TestFeedDisconnectsSlowClient(t *testing.T) {
	log := newGatewayLogger(t)
	feed := NewFeed(bus.NewMemoryEventBus(log), log)

	stuck := &client{id: "stuck", send: make(chan []byte, 1), logger: log}
	stuck.send <- []byte("backlog")
	healthy := &client{id: "healthy", send: make(chan []byte, 4), logger: log}
	feed.clients[stuck] = struct{}{}
	feed.clients[healthy] = struct{}{}

	ev := bus.NewEvent(events.SessionCreated, "coordinator", nil)
	require.NoError(t, feed.relay(context.Background(), ev))

	assert.Equal(t, 1, feed.ClientCount())

	// The healthy client got the frame.
	select {
	case frame := <-healthy.send:
		var got bus.Event
		require.NoError(t, json.Unmarshal(frame, &got))
		assert.Equal(t, events.SessionCreated, got.Type)
	default:
		t.Fatal("healthy client received nothing")
	}

	// The stuck client's queue was closed behind its backlog.
	<-stuck.send
	_, open := <-stuck.send
	assert.False(t, open)
}

func TestFeedCloseDisconnectsClients(t *testing.T) {
	feed, _, conn := newFeedFixture(t)

	require.NoError(t, feed.Close())
	assert.Equal(t, 0, feed.ClientCount())

	// The write pump sends a close frame once its queue is closed.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err,
		websocket.CloseNoStatusReceived, websocket.CloseNormalClosure))

	require.NoError(t, feed.Close())
}
