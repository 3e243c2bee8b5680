// Package acpconn implements the client half of the Agent Client Protocol
// for agent processes spawned over stdio. The connection itself comes from
// the acp-go-sdk; this package supplies the callbacks the agent invokes on
// us: permission decisions, session update delivery, and workspace file
// access.
package acpconn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// UpdateHandler receives every session/update notification in stream order.
type UpdateHandler func(n acp.SessionNotification)

// Client answers the agent-initiated side of an ACP connection. Permission
// requests are approved automatically unless the tool matches a disallowed
// entry, so headless runs never stall waiting for a human.
type Client struct {
	logger        *logger.Logger
	workspaceRoot string
	disallowed    []string
	terminalSeq   atomic.Int64

	mu            sync.RWMutex
	updateHandler UpdateHandler
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		c.logger = log.WithFields(zap.String("component", "acp-client"))
	}
}

// WithWorkspaceRoot confines file reads and writes to the given directory.
// Empty means any absolute path is allowed.
func WithWorkspaceRoot(root string) Option {
	return func(c *Client) {
		c.workspaceRoot = root
	}
}

// WithDisallowedTools sets the tool names whose permission requests are
// declined. Entries may carry argument patterns ("Bash(rm:*)"); only the
// base name is matched.
func WithDisallowedTools(tools []string) Option {
	return func(c *Client) {
		c.disallowed = tools
	}
}

// WithUpdateHandler sets the handler for session updates.
func WithUpdateHandler(h UpdateHandler) Option {
	return func(c *Client) {
		c.updateHandler = h
	}
}

// NewClient creates the acp.Client implementation handed to the SDK
// connection.
func NewClient(opts ...Option) *Client {
	c := &Client{logger: logger.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUpdateHandler swaps the update handler. The next notification sees the
// new one.
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	c.updateHandler = h
	c.mu.Unlock()
}

func (c *Client) handler() UpdateHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateHandler
}

// RequestPermission decides a tool permission request on the agent's behalf.
// Disallowed tools are declined by selecting a non-allow option so the agent
// reports the tool as rejected and keeps going, rather than aborting the
// whole turn. Everything else gets the first allow option.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	var title, kind string
	if t := p.ToolCall.Title; t != nil {
		title = *t
	}
	if k := p.ToolCall.Kind; k != nil {
		kind = string(*k)
	}
	log := c.logger.WithFields(
		zap.String("session_id", string(p.SessionId)),
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)))

	if len(p.Options) == 0 {
		log.Warn("permission request carried no options, cancelling", zap.String("title", title))
		return cancelledOutcome(), nil
	}

	if tool := c.matchDisallowed(title, kind); tool != "" {
		log.Warn("declining permission for disallowed tool",
			zap.String("tool", tool),
			zap.String("title", title))
		for i := range p.Options {
			if !allows(p.Options[i].Kind) {
				return selectedOutcome(p.Options[i].OptionId), nil
			}
		}
		return cancelledOutcome(), nil
	}

	chosen := &p.Options[0]
	for i := range p.Options {
		if allows(p.Options[i].Kind) {
			chosen = &p.Options[i]
			break
		}
	}

	log.Debug("approving permission request",
		zap.String("title", title),
		zap.String("option_id", string(chosen.OptionId)),
		zap.String("option_kind", string(chosen.Kind)))
	return selectedOutcome(chosen.OptionId), nil
}

func allows(k acp.PermissionOptionKind) bool {
	return k == acp.PermissionOptionKindAllowOnce || k == acp.PermissionOptionKindAllowAlways
}

// matchDisallowed reports which disallowed entry matches the request, if any.
// The entry's base name is compared case-insensitively against the tool kind
// and, as a substring, against the title. Gemini titles embed the command
// ("pwd [current working directory] (...)"), so substring is the best we get.
func (c *Client) matchDisallowed(title, kind string) string {
	if len(c.disallowed) == 0 {
		return ""
	}
	lowTitle := strings.ToLower(title)
	lowKind := strings.ToLower(kind)
	for _, entry := range c.disallowed {
		name := strings.ToLower(entry)
		if i := strings.Index(name, "("); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if lowKind == name || strings.Contains(lowTitle, name) {
			return entry
		}
	}
	return ""
}

func selectedOutcome(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

func cancelledOutcome() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

// SessionUpdate forwards session/update notifications to the handler.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.logUpdate(n.Update)
	if h := c.handler(); h != nil {
		h(n)
	}
	return nil
}

// logUpdate emits one debug line per update kind so a stalled turn can be
// traced from logs alone.
func (c *Client) logUpdate(u acp.SessionUpdate) {
	switch {
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			c.logger.Debug("agent message chunk", zap.String("text", clip(t.Text, 50)))
		}
	case u.AgentThoughtChunk != nil:
		c.logger.Debug("agent thought chunk")
	case u.ToolCall != nil:
		c.logger.Debug("tool call",
			zap.String("tool_call_id", string(u.ToolCall.ToolCallId)),
			zap.String("status", string(u.ToolCall.Status)),
			zap.String("title", u.ToolCall.Title))
	case u.ToolCallUpdate != nil:
		var status string
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		c.logger.Debug("tool call update",
			zap.String("tool_call_id", string(u.ToolCallUpdate.ToolCallId)),
			zap.String("status", status))
	case u.Plan != nil:
		c.logger.Debug("plan update", zap.Int("entries", len(u.Plan.Entries)))
	}
}

// clip truncates s for log output.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ReadTextFile reads a file for the agent. Paths must be absolute and, when
// a workspace root is set, inside it. Line is 1-based; Limit caps the number
// of lines returned.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	c.logger.Debug("reading file", zap.String("path", p.Path))

	if err := c.checkPath(p.Path); err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		content = window(content, p.Line, p.Limit)
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// window cuts content to the requested 1-based start line and line count.
func window(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start, end := 0, len(lines)
	if line != nil && *line > 0 {
		start = min(*line-1, len(lines))
	}
	if limit != nil && *limit > 0 {
		end = min(start+*limit, end)
	}
	return strings.Join(lines[start:end], "\n")
}

// WriteTextFile writes a file for the agent, creating parent directories as
// needed. The same path rules as ReadTextFile apply.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.logger.Debug("writing file", zap.String("path", p.Path), zap.Int("bytes", len(p.Content)))

	if err := c.checkPath(p.Path); err != nil {
		return acp.WriteTextFileResponse{}, err
	}

	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *Client) checkPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if c.workspaceRoot == "" {
		return nil
	}
	rel, err := filepath.Rel(c.workspaceRoot, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path outside workspace: %s", path)
	}
	return nil
}

// Terminal support is not implemented; the workspace gives agents a real
// shell through their own tool set. These answer just enough for agents that
// probe the capability.

func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.logger.Debug("create terminal request", zap.String("command", p.Command))
	return acp.CreateTerminalResponse{TerminalId: fmt.Sprintf("term-%d", c.terminalSeq.Add(1))}, nil
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*Client)(nil)
