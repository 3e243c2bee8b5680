package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/pkg/codex"
)

const codexBinary = "codex"

var errAgentExited = errors.New("agent process exited during turn")

// CodexRunner drives the Codex CLI app-server over stdio. One thread backs
// the session and every prompt, initial or follow-up, runs as a turn on it.
// Turns execute sequentially off an input queue, so the adapter supports
// streaming mode natively.
type CodexRunner struct {
	cfg    Config
	log    *logger.Logger
	logger *logger.Logger

	mu       sync.Mutex
	proc     Handle
	client   *codex.Client
	threadID string
	turnID   string
	started  bool
	stopped  bool
	exit     ExitStatus

	// Per-turn item text, accumulated from deltas. lastMessage tracks the
	// most recent agent message and becomes the final event text.
	buffers     map[string]string
	lastMessage string
	turnDone    chan struct{}

	pushCh      chan string
	inputClosed bool
	done        chan struct{}
	doneOnce    sync.Once
}

// NewCodexRunner builds the adapter.
func NewCodexRunner(cfg Config, log *logger.Logger) *CodexRunner {
	return &CodexRunner{
		cfg:     cfg,
		log:     log,
		logger:  log.WithFields(zap.String("component", "codex-runner")),
		buffers: make(map[string]string),
		pushCh:  make(chan string, 16),
		done:    make(chan struct{}),
	}
}

func (r *CodexRunner) Start(ctx context.Context, onEvent EventHandler) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	command := r.cfg.Command
	if command == "" {
		command = codexBinary
	}
	args := r.cfg.Args
	if args == nil {
		args = []string{"app-server"}
	}

	p, err := launch(ctx, r.cfg, command, args, r.cfg.Env, r.logger)
	if err != nil {
		r.failStart(err)
		return err
	}

	client := codex.NewClient(p.Stdin(), p.Stdout(), r.log)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		r.handleNotification(method, params, onEvent)
	})
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		r.handleRequest(client, id, method, params)
	})

	r.mu.Lock()
	r.proc = p
	r.client = client
	r.mu.Unlock()

	client.Start(ctx)
	go r.awaitExit(p, client)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.initialize(initCtx, client); err != nil {
		_ = p.Stop(r.grace())
		return err
	}
	if err := r.startThread(initCtx, client); err != nil {
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
	go r.turnLoop(ctx, client, p, onEvent)
	return nil
}

// initialize runs the handshake: an initialize call answered by the server,
// acknowledged with an initialized notification.
func (r *CodexRunner) initialize(ctx context.Context, client *codex.Client) error {
	resp, err := client.Call(ctx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "cyrus", Title: "Cyrus", Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize codex: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize codex: %s", resp.Error.Message)
	}
	var result codex.InitializeResult
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &result)
	}
	r.logger.Debug("codex app-server initialized", zap.String("user_agent", result.UserAgent))
	if err := client.Notify(codex.MethodInitialized, nil); err != nil {
		return fmt.Errorf("acknowledge initialize: %w", err)
	}
	return nil
}

// startThread creates or resumes the session thread. Approvals are disabled
// because nobody is at the keyboard; the workspace-write sandbox bounds what
// the agent can touch instead.
func (r *CodexRunner) startThread(ctx context.Context, client *codex.Client) error {
	sandbox := &codex.SandboxPolicy{
		Type:          "workspace-write",
		WritableRoots: []string{r.cfg.WorkspacePath},
		NetworkAccess: true,
	}

	var (
		resp *codex.Response
		err  error
	)
	if r.cfg.ResumeSessionID != "" {
		resp, err = client.Call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
			ThreadID:       r.cfg.ResumeSessionID,
			Cwd:            r.cfg.WorkspacePath,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandbox,
		})
	} else {
		resp, err = client.Call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
			Model:          r.cfg.Model,
			Cwd:            r.cfg.WorkspacePath,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandbox,
		})
	}
	if err != nil {
		return fmt.Errorf("start thread: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("start thread: %s", resp.Error.Message)
	}

	// thread/resume answers with the same shape as thread/start.
	var result codex.ThreadStartResult
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &result)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case result.Thread != nil && result.Thread.ID != "":
		r.threadID = result.Thread.ID
	case r.cfg.ResumeSessionID != "":
		r.threadID = r.cfg.ResumeSessionID
	default:
		return fmt.Errorf("thread/start returned no thread id")
	}
	r.logger.Debug("codex thread ready", zap.String("thread_id", r.threadID))
	return nil
}

// turnLoop runs queued prompts as turns, one at a time, until the input side
// closes or the process goes away.
func (r *CodexRunner) turnLoop(ctx context.Context, client *codex.Client, p Handle, onEvent EventHandler) {
	for {
		select {
		case text, ok := <-r.pushCh:
			if !ok {
				r.shutdown(p)
				return
			}
			err := r.runTurn(ctx, client, p, text)
			switch {
			case err == nil:
			case errors.Is(err, errAgentExited), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
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

// runTurn starts one turn and blocks until the server reports it complete.
// Event emission happens on the notification path.
func (r *CodexRunner) runTurn(ctx context.Context, client *codex.Client, p Handle, text string) error {
	r.mu.Lock()
	threadID := r.threadID
	turnDone := make(chan struct{}, 1)
	r.turnDone = turnDone
	r.buffers = make(map[string]string)
	r.lastMessage = ""
	r.mu.Unlock()

	resp, err := client.Call(ctx, codex.MethodTurnStart, &codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{codex.TextInput(text)},
	})
	if err != nil {
		return fmt.Errorf("start turn: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("start turn: %s", resp.Error.Message)
	}
	var started codex.TurnStartResult
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &started)
	}
	if started.Turn != nil {
		r.mu.Lock()
		r.turnID = started.Turn.ID
		r.mu.Unlock()
	}

	select {
	case <-turnDone:
		return nil
	case <-p.Exited():
		return errAgentExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown ends the app-server once all turns are done. Closing stdin asks
// it to exit on its own; the terminate path is the fallback.
func (r *CodexRunner) shutdown(p Handle) {
	_ = p.CloseStdin()
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		_ = p.Stop(r.grace())
	}
}

func (r *CodexRunner) handleNotification(method string, params json.RawMessage, onEvent EventHandler) {
	switch method {
	case codex.NotifyItemAgentMessageDelta:
		var p codex.ItemDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.Delta == "" {
			return
		}
		onEvent(ThoughtPart(p.ItemID, r.appendPart(p.ItemID, p.Delta, true)))

	case codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningTextDelta:
		var p codex.ItemDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.Delta == "" {
			return
		}
		onEvent(ThoughtPart(p.ItemID, r.appendPart(p.ItemID, p.Delta, false)))

	case codex.NotifyItemStarted:
		var p codex.ItemNotificationParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return
		}
		r.handleItemStarted(p.Item, onEvent)

	case codex.NotifyItemCompleted:
		var p codex.ItemNotificationParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return
		}
		r.handleItemCompleted(p.Item, onEvent)

	case codex.NotifyTurnPlanUpdated:
		var p codex.TurnPlanUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil || len(p.Plan) == 0 {
			return
		}
		r.handlePlan(&p, onEvent)

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		r.handleTurnCompleted(&p, onEvent)

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
			return
		}
		r.logger.Warn("codex error", zap.String("message", p.Message))
		onEvent(ErrorEvent(p.Message))

	case codex.NotifyThreadStarted, codex.NotifyTurnStarted, codex.NotifyItemCmdExecOutputDelta:
		// Thread and turn ids come from the call results; command output
		// arrives aggregated with item/completed.

	default:
		r.logger.Debug("unhandled codex notification", zap.String("method", method))
	}
}

// appendPart accumulates a text delta and returns the full snapshot.
func (r *CodexRunner) appendPart(itemID, delta string, isMessage bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[itemID] += delta
	text := r.buffers[itemID]
	if isMessage {
		r.lastMessage = text
	}
	return text
}

func (r *CodexRunner) handleItemStarted(it *codex.Item, onEvent EventHandler) {
	switch it.Type {
	case codex.ItemTypeCommandExec:
		// Mapped onto the Bash tool shape so shell runs from every agent
		// render the same way downstream.
		input, _ := json.Marshal(struct {
			Command string `json:"command"`
		}{it.Command})
		onEvent(Action("Bash", it.ID, input))

	case codex.ItemTypeFileChange:
		input, _ := json.Marshal(struct {
			FilePath string `json:"file_path"`
		}{changeTitle(it.Changes)})
		onEvent(Action("Edit", it.ID, input))

	case codex.ItemTypeMcpToolCall:
		onEvent(Action(fmt.Sprintf("mcp_%s_%s", it.Server, it.Tool), it.ID, it.Arguments))
	}
}

func (r *CodexRunner) handleItemCompleted(it *codex.Item, onEvent EventHandler) {
	failed := it.Status == "failed"
	switch it.Type {
	case codex.ItemTypeAgentMessage:
		text := it.MessageText()
		r.mu.Lock()
		if text == "" {
			text = r.buffers[it.ID]
		}
		if text != "" {
			r.buffers[it.ID] = text
			r.lastMessage = text
		}
		r.mu.Unlock()
		if text != "" {
			onEvent(ThoughtPart(it.ID, text))
		}

	case codex.ItemTypeReasoning:
		// Deltas already carried the text; this only covers servers that
		// send reasoning without streaming it.
		r.mu.Lock()
		buffered := r.buffers[it.ID]
		r.mu.Unlock()
		if text := it.MessageText(); buffered == "" && text != "" {
			onEvent(ThoughtPart(it.ID, text))
		}

	case codex.ItemTypeCommandExec:
		out := it.AggregatedOutput
		if out == "" && it.ExitCode != nil && *it.ExitCode != 0 {
			out = fmt.Sprintf("exit code %d", *it.ExitCode)
		}
		onEvent(Result(it.ID, out, failed))

	case codex.ItemTypeFileChange:
		var diffs []string
		for _, ch := range it.Changes {
			if ch.Diff != "" {
				diffs = append(diffs, ch.Diff)
			}
		}
		onEvent(Result(it.ID, strings.Join(diffs, "\n"), failed))

	case codex.ItemTypeMcpToolCall:
		out := strings.TrimSpace(string(it.Result))
		if it.ToolError != "" {
			out = it.ToolError
		}
		onEvent(Result(it.ID, out, failed || it.ToolError != ""))
	}
}

// handlePlan renders plan updates through the TodoWrite checklist shape.
func (r *CodexRunner) handlePlan(p *codex.TurnPlanUpdatedParams, onEvent EventHandler) {
	type todo struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	todos := make([]todo, 0, len(p.Plan))
	for _, e := range p.Plan {
		todos = append(todos, todo{Content: e.Description, Status: planStatus(e.Status)})
	}
	input, _ := json.Marshal(struct {
		Todos []todo `json:"todos"`
	}{todos})
	onEvent(Action("TodoWrite", "plan-"+p.TurnID, input))
}

func planStatus(s string) string {
	switch s {
	case "completed":
		return "completed"
	case "in_progress", "inProgress":
		return "in_progress"
	default:
		return "pending"
	}
}

func (r *CodexRunner) handleTurnCompleted(p *codex.TurnCompletedParams, onEvent EventHandler) {
	r.mu.Lock()
	last := r.lastMessage
	turnDone := r.turnDone
	r.mu.Unlock()

	if p.Success {
		onEvent(Final(last))
	} else if p.Error != "" {
		onEvent(ErrorEvent(p.Error))
	}
	if turnDone != nil {
		select {
		case turnDone <- struct{}{}:
		default:
		}
	}
}

// handleRequest answers server-initiated requests. The thread runs with
// approvals disabled inside a workspace-write sandbox, so approval prompts
// are unexpected; accept them rather than wedge the turn.
func (r *CodexRunner) handleRequest(client *codex.Client, id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		_ = json.Unmarshal(params, &p)
		r.logger.Debug("auto-approving command", zap.String("command", p.Command))
		_ = client.SendResponse(id, codex.ApprovalResponse{Decision: codex.DecisionAccept}, nil)
	case codex.NotifyItemFileChangeApproval:
		var p codex.FileChangeApprovalParams
		_ = json.Unmarshal(params, &p)
		r.logger.Debug("auto-approving file change", zap.String("path", p.Path))
		_ = client.SendResponse(id, codex.ApprovalResponse{Decision: codex.DecisionAccept}, nil)
	default:
		_ = client.SendResponse(id, nil, &codex.Error{
			Code:    codex.MethodNotFound,
			Message: "unsupported request: " + method,
		})
	}
}

// changeTitle summarizes a file change set as its first path.
func changeTitle(changes []codex.FileChange) string {
	if len(changes) == 0 {
		return ""
	}
	if len(changes) == 1 {
		return changes[0].Path
	}
	return fmt.Sprintf("%s (+%d more)", changes[0].Path, len(changes)-1)
}

// awaitExit joins the process exit with the drained protocol stream, then
// publishes the final status.
func (r *CodexRunner) awaitExit(p Handle, client *codex.Client) {
	<-p.Exited()
	<-client.Done()
	p.Release()

	r.mu.Lock()
	r.exit = ExitStatus{Code: p.ExitCode(), Err: p.ExitErr(), StderrTail: p.StderrTail()}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *CodexRunner) failStart(err error) {
	r.mu.Lock()
	r.exit = ExitStatus{Code: 1, Err: err}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *CodexRunner) grace() time.Duration {
	return time.Duration(r.cfg.StopGraceSeconds) * time.Second
}

func (r *CodexRunner) closeInput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inputClosed {
		return
	}
	r.inputClosed = true
	close(r.pushCh)
}

func (r *CodexRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	p := r.proc
	client := r.client
	threadID := r.threadID
	turnID := r.turnID
	r.mu.Unlock()

	if p == nil {
		r.failStart(fmt.Errorf("stopped before start"))
		return nil
	}

	// Interrupting the live turn lets the server flush item results before
	// the terminate signal lands.
	if client != nil && threadID != "" {
		intCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _ = client.Call(intCtx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{
			ThreadID: threadID,
			TurnID:   turnID,
		})
		cancel()
	}

	err := p.Stop(r.grace())
	if client != nil {
		client.Stop()
	}
	return err
}

func (r *CodexRunner) Done() <-chan struct{} { return r.done }

func (r *CodexRunner) Exit() ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *CodexRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threadID
}

func (r *CodexRunner) Streaming() bool { return r.cfg.Streaming }

func (r *CodexRunner) PushMessage(ctx context.Context, text string) error {
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

func (r *CodexRunner) CompleteStream() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return fmt.Errorf("runner not started")
	}
	r.closeInput()
	return nil
}

var _ Runner = (*CodexRunner)(nil)
