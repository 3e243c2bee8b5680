package opencode

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// EventHandler receives each SDK event from the SSE stream.
type EventHandler func(event *SDKEventEnvelope)

// ControlEvent signals stream-level conditions the caller must react to.
// Type is one of "idle", "auth_required", "session_error", "disconnected".
type ControlEvent struct {
	Type    string
	Message string
}

// healthPollInterval paces WaitForHealth probes against a starting server.
const healthPollInterval = 150 * time.Millisecond

// Client drives one OpenCode server over HTTP and SSE. All requests carry
// Basic auth and the project directory.
type Client struct {
	baseURL   string
	directory string
	password  string
	logger    *logger.Logger

	// httpClient serves short calls; prompts block for a whole turn and run
	// on promptClient with a much longer timeout.
	httpClient   *http.Client
	promptClient *http.Client

	eventHandler EventHandler
	controlCh    chan ControlEvent

	mu     sync.RWMutex
	closed bool

	// One SSE connection at a time; a second would double every event.
	sseActive bool
	sseCancel context.CancelFunc
}

// NewClient builds a client for the server at baseURL scoped to directory.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		directory:    directory,
		password:     password,
		logger:       log.WithFields(zap.String("component", "opencode-client")),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		promptClient: &http.Client{Timeout: 60 * time.Minute},
		controlCh:    make(chan ControlEvent, 10),
	}
}

// GenerateServerPassword returns a random password for the spawned server.
func GenerateServerPassword() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// SetEventHandler sets the SDK event handler.
func (c *Client) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = h
}

// ControlChannel returns the control event channel. Closed by Close.
func (c *Client) ControlChannel() <-chan ControlEvent {
	return c.controlCh
}

func (c *Client) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:"+c.password))
}

// requestURL appends the directory scope. The server accepts it in the query
// on every endpoint.
func (c *Client) requestURL(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.baseURL + path + sep + "directory=" + url.QueryEscape(c.directory)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// postJSON marshals payload, posts it to path, and decodes a 200/201
// response into out (out may be nil). Any other status becomes an error
// carrying the response text.
func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(text))
	}
	if out == nil {
		_, _ = io.ReadAll(resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// WaitForHealth polls /global/health until the server reports healthy or the
// deadline passes.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		version, err := c.probeHealth(ctx)
		if err == nil {
			c.logger.Info("server healthy", zap.String("version", version))
			return nil
		}
		lastErr = err
		time.Sleep(healthPollInterval)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timed out after %s: %w", timeout, lastErr)
	}
	return fmt.Errorf("health check timed out after %s", timeout)
}

// probeHealth performs one health check round trip.
func (c *Client) probeHealth(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(body))
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return "", fmt.Errorf("parse health response (got %q): %w", string(body), err)
	}
	if !health.Healthy {
		return "", fmt.Errorf("server unhealthy (version %s)", health.Version)
	}
	return health.Version, nil
}

// CreateSession creates a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var session SessionResponse
	if err := c.postJSON(ctx, "/session", struct{}{}, &session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return session.ID, nil
}

// SendPrompt posts a prompt to the session. The call blocks until the turn
// completes, which can take minutes; completion also surfaces as a
// session.idle control event on the SSE stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec) error {
	payload, err := json.Marshal(PromptRequest{
		Model: model,
		Parts: []TextPartInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp, err := c.promptClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return parsePromptOutcome(respBody)
}

// parsePromptOutcome discriminates the two bodies the message endpoint
// returns with HTTP 200: {info, parts} on success and {name, data} when the
// turn failed server-side.
func parsePromptOutcome(body []byte) error {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Errorf("prompt returned empty response")
	}

	var outcome struct {
		Info  json.RawMessage `json:"info"`
		Parts json.RawMessage `json:"parts"`
		Name  string          `json:"name"`
		Data  struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &outcome); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}

	if outcome.Info != nil && outcome.Parts != nil {
		return nil
	}
	if outcome.Name != "" {
		message := outcome.Data.Message
		if message == "" {
			message = "unknown error"
		}
		return fmt.Errorf("prompt error: %s: %s", outcome.Name, message)
	}
	return nil
}

// Abort asks the server to stop the current operation. Best effort; errors
// are swallowed because the session is being torn down anyway.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyPermission answers a permission.asked event.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply, message string) error {
	payload := PermissionReplyRequest{Reply: reply, Message: message}
	if payload.Message == "" && reply == PermissionReplyReject {
		payload.Message = "Tool use denied by policy"
	}
	if err := c.postJSON(ctx, "/permission/"+requestID+"/reply", payload, nil); err != nil {
		return fmt.Errorf("permission reply: %w", err)
	}
	return nil
}

// StartEventStream connects to /event and dispatches events for sessionID in
// a background goroutine. A second call while a stream is active is a no-op.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	sseCtx, sseCancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		sseCancel()
		c.logger.Debug("event stream already active", zap.String("session_id", sessionID))
		return nil
	}
	c.sseActive = true
	c.sseCancel = sseCancel
	c.mu.Unlock()

	fail := func(err error) error {
		c.clearStream()
		sseCancel()
		return err
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.requestURL("/event"), nil)
	if err != nil {
		return fail(fmt.Errorf("create event stream request: %w", err))
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open for the life of the session.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("connect event stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return fail(fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body)))
	}

	c.logger.Debug("event stream connected", zap.String("session_id", sessionID))
	go c.consumeEventStream(sseCtx, sessionID, resp.Body)
	return nil
}

// clearStream drops the active-stream bookkeeping so a later
// StartEventStream can connect again.
func (c *Client) clearStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sseActive = false
	c.sseCancel = nil
}

// consumeEventStream reads SSE frames until the stream ends, forwarding each
// decoded event for the session to the control path and the event handler.
func (c *Client) consumeEventStream(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.clearStream()
		c.logger.Debug("event stream ended", zap.String("session_id", sessionID))
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Blank line ends one SSE frame.
		if line != "" || dataBuffer.Len() == 0 {
			continue
		}
		data := strings.TrimSpace(dataBuffer.String())
		dataBuffer.Reset()
		if data != "" {
			c.deliverEvent([]byte(data), sessionID)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("event stream error", zap.Error(err))
	}
	c.emitControl(ControlEvent{Type: "disconnected"})
}

// deliverEvent decodes one SSE payload and routes it.
func (c *Client) deliverEvent(data []byte, sessionID string) {
	event, err := ParseSDKEvent(data)
	if err != nil {
		c.logger.Warn("failed to parse SDK event", zap.Error(err))
		return
	}

	// The server multiplexes every session onto one feed. Events that name a
	// different session are dropped; events without one pass through.
	if id := eventSessionID(event); id != "" && id != sessionID {
		return
	}

	c.routeControlEvent(event)

	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(event)
	}
}

// eventSessionID digs the session id out of an event, or returns "" when the
// event type carries none. Where the id lives depends on the event type.
func eventSessionID(event *SDKEventEnvelope) string {
	if len(event.Properties) == 0 {
		return ""
	}
	var ids struct {
		SessionID string `json:"sessionID"`
		Info      struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(event.Properties, &ids); err != nil {
		return ""
	}

	switch event.Type {
	case SDKEventMessageUpdated:
		return ids.Info.SessionID
	case SDKEventMessagePartUpdated:
		return ids.Part.SessionID
	default:
		return ids.SessionID
	}
}

// routeControlEvent translates stream events the runner must act on into
// control channel sends.
func (c *Client) routeControlEvent(event *SDKEventEnvelope) {
	switch event.Type {
	case SDKEventSessionIdle:
		c.emitControl(ControlEvent{Type: "idle"})

	case SDKEventSessionError:
		props, err := event.SessionError()
		if err != nil || props.Error == nil {
			return
		}
		eventType := "session_error"
		if props.Error.GetKind() == "ProviderAuthError" {
			eventType = "auth_required"
		}
		c.emitControl(ControlEvent{Type: eventType, Message: props.Error.GetMessage()})
	}
}

// emitControl sends without blocking; a full channel drops the event rather
// than stalling the stream reader. Holding the read lock across the send
// keeps Close from closing the channel mid-send.
func (c *Client) emitControl(ev ControlEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.controlCh <- ev:
	default:
	}
}

// Close tears down the SSE connection and closes the control channel.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	if cancel := c.sseCancel; cancel != nil {
		cancel()
	}
	c.sseCancel = nil
	c.sseActive = false
	close(c.controlCh)
}
