package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// NotificationHandler receives server pushes.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives server-initiated requests, such as approval
// prompts. The handler must answer via SendResponse.
type RequestHandler func(id interface{}, method string, params json.RawMessage)

// Client drives the app-server over stdio. Calls are matched to responses by
// id; notifications and reverse requests go to the registered handlers.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	nextID    atomic.Int64
	waiters   map[interface{}]chan *Response
	waitersMu sync.Mutex
	writeMu   sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler

	logger   *logger.Logger
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

// NewClient wraps the server's stdio pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		waiters:  make(map[interface{}]chan *Response),
		logger:   log.WithFields(zap.String("component", "codex-client")),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// SetNotificationHandler registers the notification handler. Call before
// Start.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.onNotification = h
}

// SetRequestHandler registers the reverse-request handler. Call before
// Start.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.onRequest = h
}

// Start begins reading stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop terminates the read loop and fails pending calls. Idempotent.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the read loop has finished, meaning the stream is
// fully drained or the client was stopped.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	waiter := c.register(id)
	defer c.unregister(id)

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("codex client closed")
	}
}

// Notify sends a notification. No response is expected.
func (c *Client) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// register creates the response slot for a call id.
func (c *Client) register(id int64) chan *Response {
	w := make(chan *Response, 1)
	c.waitersMu.Lock()
	c.waiters[id] = w
	c.waitersMu.Unlock()
	return w
}

func (c *Client) unregister(id int64) {
	c.waitersMu.Lock()
	delete(c.waiters, id)
	c.waitersMu.Unlock()
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// incoming is one line off the wire. The same frame shape carries responses,
// reverse requests and notifications; kind tells them apart.
type incoming struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type frameKind int

const (
	frameUnknown frameKind = iota
	frameResponse
	frameRequest
	frameNotification
)

func (m *incoming) kind() frameKind {
	switch {
	case m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil):
		return frameResponse
	case m.ID != nil && m.Method != "":
		return frameRequest
	case m.Method != "":
		return frameNotification
	}
	return frameUnknown
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.readDone)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil || c.stopping() {
			return
		}
		if line := scanner.Bytes(); len(line) > 0 {
			c.dispatch(line)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) dispatch(line []byte) {
	var msg incoming
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err))
		return
	}

	switch msg.kind() {
	case frameResponse:
		c.resolve(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case frameRequest:
		c.handleRequest(msg.ID, msg.Method, msg.Params)
	case frameNotification:
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		}
	}
}

// resolve hands a response to the waiting call.
func (c *Client) resolve(resp *Response) {
	id := normalizeID(resp.ID)
	c.waitersMu.Lock()
	w, ok := c.waiters[id]
	c.waitersMu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	w <- resp
}

// normalizeID maps JSON numbers back to the int64 ids we issue, so pending
// lookups match.
func normalizeID(id interface{}) interface{} {
	if f, ok := id.(float64); ok {
		return int64(f)
	}
	if n, ok := id.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("request with no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}
