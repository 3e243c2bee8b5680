package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/pkg/acpconn"
)

const geminiBinary = "gemini"

// GeminiRunner drives the Gemini CLI through the Agent Client Protocol. The
// CLI speaks ACP over stdio when launched with --experimental-acp; prompts
// block until the turn ends, with updates streaming as session notifications.
type GeminiRunner struct {
	cfg    Config
	log    *logger.Logger
	logger *logger.Logger

	mu      sync.Mutex
	proc    Handle
	conn    *acp.ClientSideConnection
	session string
	started bool
	stopped bool
	exit    ExitStatus

	// Per-turn accumulation. ACP sends text as deltas without part ids, so
	// the turn counter synthesizes one part per text kind per turn.
	turn       int
	msgBuf     string
	thoughtBuf string
	resultSent map[string]bool

	pushCh      chan string
	inputClosed bool
	done        chan struct{}
	doneOnce    sync.Once
}

// NewGeminiRunner builds the adapter.
func NewGeminiRunner(cfg Config, log *logger.Logger) *GeminiRunner {
	return &GeminiRunner{
		cfg:        cfg,
		log:        log,
		logger:     log.WithFields(zap.String("component", "gemini-runner")),
		resultSent: make(map[string]bool),
		pushCh:     make(chan string, 16),
		done:       make(chan struct{}),
	}
}

func (r *GeminiRunner) Start(ctx context.Context, onEvent EventHandler) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	command := r.cfg.Command
	if command == "" {
		command = geminiBinary
	}
	args := r.cfg.Args
	if args == nil {
		args = []string{"--experimental-acp"}
		if r.cfg.Model != "" {
			args = append(args, "--model", r.cfg.Model)
		}
	}

	p, err := launch(ctx, r.cfg, command, args, r.cfg.Env, r.logger)
	if err != nil {
		r.failStart(err)
		return err
	}

	client := acpconn.NewClient(
		acpconn.WithLogger(r.log),
		acpconn.WithWorkspaceRoot(r.cfg.WorkspacePath),
		acpconn.WithDisallowedTools(r.cfg.DisallowedTools),
		acpconn.WithUpdateHandler(func(n acp.SessionNotification) {
			r.handleUpdate(n, onEvent)
		}),
	)
	conn := acp.NewClientSideConnection(client, p.Stdin(), p.Stdout())
	conn.SetLogger(slog.Default().With("component", "gemini-acp"))

	r.mu.Lock()
	r.proc = p
	r.conn = conn
	r.mu.Unlock()

	go r.awaitExit(p, conn)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	initResp, err := conn.Initialize(initCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "cyrus",
			Version: "1.0.0",
		},
	})
	if err != nil {
		_ = p.Stop(r.grace())
		return fmt.Errorf("acp handshake: %w", err)
	}

	if err := r.openSession(initCtx, conn, initResp.AgentCapabilities.LoadSession); err != nil {
		_ = p.Stop(r.grace())
		return err
	}

	r.mu.Lock()
	if !r.inputClosed {
		r.pushCh <- r.cfg.Prompt
	}
	r.mu.Unlock()
	if !r.cfg.Streaming {
		r.closeInput()
	}
	go r.turnLoop(ctx, conn, p, onEvent)
	return nil
}

// openSession loads the resume target when the agent supports it, otherwise
// starts fresh. A failed load also falls back to a new session so a stale
// resume hint cannot strand the issue.
func (r *GeminiRunner) openSession(ctx context.Context, conn *acp.ClientSideConnection, canLoad bool) error {
	if r.cfg.ResumeSessionID != "" && canLoad {
		_, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(r.cfg.ResumeSessionID),
		})
		if err == nil {
			r.mu.Lock()
			r.session = r.cfg.ResumeSessionID
			r.mu.Unlock()
			r.logger.Debug("loaded session", zap.String("session_id", r.cfg.ResumeSessionID))
			return nil
		}
		r.logger.Warn("session load failed, starting new session",
			zap.String("session_id", r.cfg.ResumeSessionID),
			zap.Error(err))
	} else if r.cfg.ResumeSessionID != "" {
		r.logger.Warn("agent does not support session loading, starting new session")
	}

	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        r.cfg.WorkspacePath,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.mu.Lock()
	r.session = string(resp.SessionId)
	r.mu.Unlock()
	r.logger.Debug("created session", zap.String("session_id", string(resp.SessionId)))
	return nil
}

// turnLoop runs queued prompts as blocking ACP turns.
func (r *GeminiRunner) turnLoop(ctx context.Context, conn *acp.ClientSideConnection, p Handle, onEvent EventHandler) {
	for {
		select {
		case text, ok := <-r.pushCh:
			if !ok {
				r.shutdown(p)
				return
			}
			err := r.runTurn(ctx, conn, text, onEvent)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			default:
				r.logger.Warn("turn failed", zap.Error(err))
				onEvent(ErrorEvent(err.Error()))
			}
		case <-p.Exited():
			return
		case <-ctx.Done():
			return
		}
	}
}

// runTurn sends one prompt and blocks until the agent finishes the turn,
// then emits the accumulated message as the final event.
func (r *GeminiRunner) runTurn(ctx context.Context, conn *acp.ClientSideConnection, text string, onEvent EventHandler) error {
	r.mu.Lock()
	r.turn++
	r.msgBuf = ""
	r.thoughtBuf = ""
	session := r.session
	r.mu.Unlock()

	_, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(session),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}

	r.mu.Lock()
	last := r.msgBuf
	r.mu.Unlock()
	onEvent(Final(last))
	return nil
}

// shutdown asks the agent to exit by closing stdin, which ACP agents honor,
// with the terminate path as fallback.
func (r *GeminiRunner) shutdown(p Handle) {
	_ = p.CloseStdin()
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		_ = p.Stop(r.grace())
	}
}

func (r *GeminiRunner) handleUpdate(n acp.SessionNotification, onEvent EventHandler) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil || u.AgentMessageChunk.Content.Text.Text == "" {
			return
		}
		r.mu.Lock()
		r.msgBuf += u.AgentMessageChunk.Content.Text.Text
		snapshot := r.msgBuf
		partID := fmt.Sprintf("turn-%d-message", r.turn)
		r.mu.Unlock()
		onEvent(ThoughtPart(partID, snapshot))

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil || u.AgentThoughtChunk.Content.Text.Text == "" {
			return
		}
		r.mu.Lock()
		r.thoughtBuf += u.AgentThoughtChunk.Content.Text.Text
		snapshot := r.thoughtBuf
		partID := fmt.Sprintf("turn-%d-thought", r.turn)
		r.mu.Unlock()
		onEvent(ThoughtPart(partID, snapshot))

	case u.ToolCall != nil:
		tc := u.ToolCall
		input := map[string]any{}
		if tc.RawInput != nil {
			if b, err := json.Marshal(tc.RawInput); err == nil {
				_ = json.Unmarshal(b, &input)
			}
		}
		if len(tc.Locations) > 0 {
			if _, ok := input["file_path"]; !ok {
				input["file_path"] = tc.Locations[0].Path
			}
		}
		raw, _ := json.Marshal(input)
		onEvent(Action(acpToolName(string(tc.Kind), tc.Title), string(tc.ToolCallId), raw))

	case u.ToolCallUpdate != nil:
		up := u.ToolCallUpdate
		status := ""
		if up.Status != nil {
			status = string(*up.Status)
		}
		terminal := status == "completed" || status == "complete" || status == "failed" || status == "error"
		if !terminal {
			return
		}
		id := string(up.ToolCallId)
		r.mu.Lock()
		dup := r.resultSent[id]
		r.resultSent[id] = true
		r.mu.Unlock()
		if dup {
			return
		}
		isErr := status == "failed" || status == "error"
		onEvent(Result(id, renderToolOutput(up.RawOutput), isErr))

	case u.Plan != nil:
		type todo struct {
			Content string `json:"content"`
			Status  string `json:"status"`
		}
		todos := make([]todo, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			todos = append(todos, todo{Content: e.Content, Status: planStatus(string(e.Status))})
		}
		input, _ := json.Marshal(struct {
			Todos []todo `json:"todos"`
		}{todos})
		r.mu.Lock()
		partID := fmt.Sprintf("plan-turn-%d", r.turn)
		r.mu.Unlock()
		onEvent(Action("TodoWrite", partID, input))
	}
}

// acpToolName maps ACP tool kinds onto the tool names the downstream
// formatters know. Unrecognized kinds fall back to the call title.
func acpToolName(kind, title string) string {
	switch kind {
	case "execute":
		return "Bash"
	case "read":
		return "Read"
	case "edit":
		return "Edit"
	case "search":
		return "Grep"
	case "fetch":
		return "WebFetch"
	}
	if title != "" {
		return title
	}
	if kind != "" {
		return kind
	}
	return "Tool"
}

// renderToolOutput flattens an ACP raw output value to display text. Output
// maps usually carry the text under a well-known key.
func renderToolOutput(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	var m map[string]any
	if json.Unmarshal(b, &m) == nil {
		for _, key := range []string{"output", "content", "markdown", "text"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return string(b)
}

// awaitExit joins the process exit with the drained connection, then
// publishes the final status.
func (r *GeminiRunner) awaitExit(p Handle, conn *acp.ClientSideConnection) {
	<-p.Exited()
	<-conn.Done()
	p.Release()

	r.mu.Lock()
	r.exit = ExitStatus{Code: p.ExitCode(), Err: p.ExitErr(), StderrTail: p.StderrTail()}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *GeminiRunner) failStart(err error) {
	r.mu.Lock()
	r.exit = ExitStatus{Code: 1, Err: err}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *GeminiRunner) grace() time.Duration {
	return time.Duration(r.cfg.StopGraceSeconds) * time.Second
}

func (r *GeminiRunner) closeInput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inputClosed {
		return
	}
	r.inputClosed = true
	close(r.pushCh)
}

func (r *GeminiRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	p := r.proc
	conn := r.conn
	session := r.session
	r.mu.Unlock()

	if p == nil {
		r.failStart(fmt.Errorf("stopped before start"))
		return nil
	}

	// Cancelling lets the agent wind the turn down before the terminate
	// signal lands.
	if conn != nil && session != "" {
		cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = conn.Cancel(cancelCtx, acp.CancelNotification{
			SessionId: acp.SessionId(session),
		})
		cancel()
	}
	return p.Stop(r.grace())
}

func (r *GeminiRunner) Done() <-chan struct{} { return r.done }

func (r *GeminiRunner) Exit() ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *GeminiRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *GeminiRunner) Streaming() bool { return r.cfg.Streaming }

func (r *GeminiRunner) PushMessage(ctx context.Context, text string) error {
	if !r.cfg.Streaming {
		return fmt.Errorf("runner is not in streaming mode")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return fmt.Errorf("runner not started")
	}
	if r.inputClosed || r.stopped {
		return fmt.Errorf("runner input closed")
	}
	select {
	case r.pushCh <- text:
		return nil
	default:
		return fmt.Errorf("runner input queue full")
	}
}

func (r *GeminiRunner) CompleteStream() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return fmt.Errorf("runner not started")
	}
	r.closeInput()
	return nil
}

var _ Runner = (*GeminiRunner)(nil)
