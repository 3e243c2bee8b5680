package claudecode

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

// Assistant turns with large tool results can produce very long lines.
const maxLineBytes = 10 * 1024 * 1024

// MessageHandler receives every parsed message from the CLI in stream order.
type MessageHandler func(msg *Message)

// Client reads stream-json messages from the CLI's stdout and writes user
// messages and control requests to its stdin.
type Client struct {
	logger *logger.Logger
	stdin  io.Writer
	stdout io.Reader

	mu      sync.RWMutex
	handler MessageHandler

	writeMu      sync.Mutex
	interruptSeq atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	readDone chan struct{}
}

// NewClient wraps the CLI's stdio pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		logger:   log.WithFields(zap.String("component", "claudecode-client")),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// SetMessageHandler sets the handler invoked for each parsed message.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start begins reading stdout in a goroutine. The returned channel is closed
// once the read loop is running, so callers can sequence their first stdin
// write after it.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	started := make(chan struct{})
	go c.readLoop(ctx, started)
	return started
}

// Stop terminates the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Done is closed once the read loop has finished, meaning the stream is
// fully drained or the client was stopped.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// SendUser writes a user message to the CLI's stdin. Requires the CLI to run
// with --input-format stream-json.
func (c *Client) SendUser(text string) error {
	return c.send(NewUserMessage(text))
}

// Interrupt asks the CLI to abort the current turn. The acknowledgement
// arrives as a control_response on the stream; callers that stop the process
// right after do not need to wait for it.
func (c *Client) Interrupt() error {
	seq := c.interruptSeq.Add(1)
	return c.send(&ControlRequestMessage{
		Type:      MessageTypeControlRequest,
		RequestID: fmt.Sprintf("interrupt-%d", seq),
		Request:   ControlRequestBody{Subtype: SubtypeInterrupt},
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.writeLine(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	c.logger.Debug("sent message", zap.Int("bytes", len(data)))
	return nil
}

// writeLine serializes concurrent writers so frames never interleave.
func (c *Client) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(ctx context.Context, started chan<- struct{}) {
	defer close(c.readDone)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	close(started)

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
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message",
			zap.Error(err),
			zap.Int("bytes", len(line)))
		return
	}
	msg.Raw = append([]byte(nil), line...)

	if h := c.sink(); h != nil {
		h(&msg)
	}
}

func (c *Client) sink() MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}
