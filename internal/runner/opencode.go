package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/pkg/opencode"
)

const (
	opencodeBinary        = "opencode"
	opencodeHealthTimeout = 30 * time.Second
)

// OpencodeRunner spawns an OpenCode server bound to localhost and drives it
// over HTTP. Live output arrives on the server's SSE feed; prompt calls block
// until their turn completes, so follow-ups queue behind the live turn.
type OpencodeRunner struct {
	cfg    Config
	log    *logger.Logger
	logger *logger.Logger

	mu      sync.Mutex
	proc    *proc
	client  *opencode.Client
	session string
	started bool
	stopped bool
	exit    ExitStatus

	// Per-turn stream state. OpenCode sends full part snapshots, not
	// deltas, so only identity and dedup tracking is needed.
	userMsgs   map[string]bool
	announced  map[string]bool
	resultSent map[string]bool
	lastText   string

	turnIdle    chan struct{}
	pushCh      chan string
	inputClosed bool
	done        chan struct{}
	doneOnce    sync.Once
}

// NewOpencodeRunner builds the adapter.
func NewOpencodeRunner(cfg Config, log *logger.Logger) *OpencodeRunner {
	return &OpencodeRunner{
		cfg:        cfg,
		log:        log,
		logger:     log.WithFields(zap.String("component", "opencode-runner")),
		userMsgs:   make(map[string]bool),
		announced:  make(map[string]bool),
		resultSent: make(map[string]bool),
		turnIdle:   make(chan struct{}, 1),
		pushCh:     make(chan string, 16),
		done:       make(chan struct{}),
	}
}

func (r *OpencodeRunner) Start(ctx context.Context, onEvent EventHandler) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	if r.cfg.Sandbox != nil {
		r.logger.Warn("sandbox not supported for opencode; running the server locally")
	}

	port, err := freePort()
	if err != nil {
		r.failStart(err)
		return fmt.Errorf("allocate server port: %w", err)
	}
	password := opencode.GenerateServerPassword()

	command := r.cfg.Command
	if command == "" {
		command = opencodeBinary
	}
	args := r.cfg.Args
	if args == nil {
		args = []string{"serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port)}
	}
	env := append([]string{}, r.cfg.Env...)
	env = append(env, "OPENCODE_SERVER_PASSWORD="+password)

	p, err := startProcess(command, args, r.cfg.WorkspacePath, env, r.logger)
	if err != nil {
		r.failStart(err)
		return err
	}
	// The server logs to stdout; nothing parses it, but the pipe has to
	// drain or the server blocks once the buffer fills.
	go p.drainStdout()

	client := opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), r.cfg.WorkspacePath, password, r.log)

	r.mu.Lock()
	r.proc = p
	r.client = client
	r.mu.Unlock()

	go r.awaitExit(p, client)

	if err := client.WaitForHealth(ctx, opencodeHealthTimeout); err != nil {
		_ = p.Stop(r.grace())
		return fmt.Errorf("opencode server: %w", err)
	}

	session := r.cfg.ResumeSessionID
	if session == "" {
		session, err = client.CreateSession(ctx)
		if err != nil {
			_ = p.Stop(r.grace())
			return err
		}
	}
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()
	r.logger.Debug("opencode session ready",
		zap.String("session_id", session),
		zap.Bool("resumed", r.cfg.ResumeSessionID != ""))

	client.SetEventHandler(func(event *opencode.SDKEventEnvelope) {
		r.handleEvent(event, onEvent)
	})
	if err := client.StartEventStream(ctx, session); err != nil {
		_ = p.Stop(r.grace())
		return err
	}
	go r.controlLoop(client, onEvent)

	r.mu.Lock()
	if !r.inputClosed {
		r.pushCh <- r.cfg.Prompt
	}
	r.mu.Unlock()
	if !r.cfg.Streaming {
		r.closeInput()
	}
	go r.turnLoop(ctx, p, onEvent)
	return nil
}

// freePort binds an ephemeral localhost port and releases it for the server
// to claim.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// controlLoop reacts to stream-level conditions. The channel closes when the
// client does.
func (r *OpencodeRunner) controlLoop(client *opencode.Client, onEvent EventHandler) {
	for ev := range client.ControlChannel() {
		switch ev.Type {
		case "idle":
			select {
			case r.turnIdle <- struct{}{}:
			default:
			}
		case "auth_required":
			onEvent(ErrorEvent("provider authentication required: " + ev.Message))
		case "session_error":
			onEvent(ErrorEvent(ev.Message))
		case "disconnected":
			r.logger.Warn("event stream disconnected")
		}
	}
}

// turnLoop runs queued prompts sequentially until the input side closes or
// the server goes away.
func (r *OpencodeRunner) turnLoop(ctx context.Context, p *proc, onEvent EventHandler) {
	for {
		select {
		case text, ok := <-r.pushCh:
			if !ok {
				_ = p.Stop(r.grace())
				return
			}
			r.runTurn(ctx, text, onEvent)
		case <-p.Exited():
			return
		case <-ctx.Done():
			return
		}
	}
}

// runTurn sends one prompt and emits the final event once the turn settles.
func (r *OpencodeRunner) runTurn(ctx context.Context, text string, onEvent EventHandler) {
	r.mu.Lock()
	client := r.client
	session := r.session
	r.lastText = ""
	r.mu.Unlock()

	// Drop a stale idle signal from the previous turn.
	select {
	case <-r.turnIdle:
	default:
	}

	if err := client.SendPrompt(ctx, session, text, r.modelSpec()); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("prompt failed", zap.Error(err))
		onEvent(ErrorEvent(err.Error()))
		return
	}

	// The prompt call returns once the turn is done server-side; the idle
	// event confirms the part snapshots have all arrived on the SSE feed.
	select {
	case <-r.turnIdle:
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return
	}

	r.mu.Lock()
	last := r.lastText
	r.mu.Unlock()
	onEvent(Final(last))
}

// modelSpec splits "provider/model" into the server's model selector.
func (r *OpencodeRunner) modelSpec() *opencode.ModelSpec {
	if r.cfg.Model == "" {
		return nil
	}
	if i := strings.Index(r.cfg.Model, "/"); i > 0 {
		return &opencode.ModelSpec{ProviderID: r.cfg.Model[:i], ModelID: r.cfg.Model[i+1:]}
	}
	return &opencode.ModelSpec{ProviderID: "anthropic", ModelID: r.cfg.Model}
}

func (r *OpencodeRunner) handleEvent(event *opencode.SDKEventEnvelope, onEvent EventHandler) {
	switch event.Type {
	case opencode.SDKEventMessageUpdated:
		props, err := event.MessageUpdated()
		if err != nil {
			return
		}
		if props.Info.Role == opencode.RoleUser {
			r.mu.Lock()
			r.userMsgs[props.Info.ID] = true
			r.mu.Unlock()
		}

	case opencode.SDKEventMessagePartUpdated:
		props, err := event.MessagePartUpdated()
		if err != nil {
			return
		}
		r.handlePart(&props.Part, onEvent)

	case opencode.SDKEventTodoUpdated:
		props, err := event.TodoUpdated()
		if err != nil || len(props.Todos) == 0 {
			return
		}
		r.handleTodos(props.Todos, onEvent)

	case opencode.SDKEventPermissionAsked:
		props, err := event.PermissionAsked()
		if err != nil {
			return
		}
		r.answerPermission(props)

		// session.idle and session.error surface through the control channel.
	}
}

// handlePart maps one part snapshot to events. Parts belonging to the user
// message are the prompt echo and render nowhere.
func (r *OpencodeRunner) handlePart(part *opencode.Part, onEvent EventHandler) {
	r.mu.Lock()
	isUser := r.userMsgs[part.MessageID]
	r.mu.Unlock()
	if isUser {
		return
	}

	switch part.Type {
	case opencode.PartTypeText:
		if part.Text == "" {
			return
		}
		r.mu.Lock()
		r.lastText = part.Text
		r.mu.Unlock()
		onEvent(ThoughtPart(part.Key(), part.Text))

	case opencode.PartTypeReasoning:
		if part.Text != "" {
			onEvent(ThoughtPart(part.Key(), part.Text))
		}

	case opencode.PartTypeTool:
		r.handleToolPart(part, onEvent)
	}
}

// handleToolPart announces a tool once it is running and reports its result
// once. Pending snapshots usually lack input, so the announcement waits.
func (r *OpencodeRunner) handleToolPart(part *opencode.Part, onEvent EventHandler) {
	state := part.State
	if state == nil || state.Status == opencode.ToolStatusPending {
		return
	}

	key := part.Key()
	id := part.CallID
	if id == "" {
		id = key
	}

	r.mu.Lock()
	announce := !r.announced[key]
	if announce {
		r.announced[key] = true
	}
	finished := state.Status == opencode.ToolStatusCompleted || state.Status == opencode.ToolStatusError
	report := finished && !r.resultSent[key]
	if report {
		r.resultSent[key] = true
	}
	r.mu.Unlock()

	if announce {
		onEvent(Action(part.Tool, id, state.Input))
	}
	if !report {
		return
	}
	if state.Status == opencode.ToolStatusError {
		out := state.Error
		if out == "" {
			out = state.Output
		}
		onEvent(Result(id, out, true))
		return
	}
	onEvent(Result(id, state.Output, false))
}

// handleTodos renders checklist updates through the TodoWrite shape.
func (r *OpencodeRunner) handleTodos(todos []opencode.Todo, onEvent EventHandler) {
	type todo struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	list := make([]todo, 0, len(todos))
	for _, t := range todos {
		list = append(list, todo{Content: t.Content, Status: t.Status})
	}
	input, _ := json.Marshal(struct {
		Todos []todo `json:"todos"`
	}{list})
	onEvent(Action("TodoWrite", "todos", input))
}

// answerPermission replies to a permission prompt: reject when the tool is
// disallowed, approve once otherwise. The reply is its own HTTP call and must
// not block the SSE goroutine.
func (r *OpencodeRunner) answerPermission(props *opencode.PermissionAskedProperties) {
	reply := opencode.PermissionReplyOnce
	if r.permissionDisallowed(props) {
		reply = opencode.PermissionReplyReject
	}
	r.logger.Debug("answering permission",
		zap.String("permission", props.Permission),
		zap.String("reply", reply))

	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.ReplyPermission(ctx, props.ID, reply, ""); err != nil {
			r.logger.Warn("permission reply failed", zap.Error(err))
		}
	}()
}

// permissionDisallowed checks the request against the disallowed tool list.
// Entries may carry argument patterns like "Bash(rm:*)"; only the tool name
// part is matched.
func (r *OpencodeRunner) permissionDisallowed(props *opencode.PermissionAskedProperties) bool {
	for _, raw := range r.cfg.DisallowedTools {
		name := strings.ToLower(raw)
		if i := strings.Index(name, "("); i >= 0 {
			name = name[:i]
		}
		if name == "" {
			continue
		}
		if strings.ToLower(props.Permission) == name {
			return true
		}
		for _, pattern := range props.Patterns {
			if strings.Contains(strings.ToLower(pattern), name) {
				return true
			}
		}
	}
	return false
}

// awaitExit publishes the final status once the server process is gone.
func (r *OpencodeRunner) awaitExit(p *proc, client *opencode.Client) {
	<-p.Exited()
	client.Close()
	p.Release()

	r.mu.Lock()
	r.exit = ExitStatus{Code: p.ExitCode(), Err: p.ExitErr(), StderrTail: p.StderrTail()}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *OpencodeRunner) failStart(err error) {
	r.mu.Lock()
	r.exit = ExitStatus{Code: 1, Err: err}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *OpencodeRunner) grace() time.Duration {
	return time.Duration(r.cfg.StopGraceSeconds) * time.Second
}

func (r *OpencodeRunner) closeInput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inputClosed {
		return
	}
	r.inputClosed = true
	close(r.pushCh)
}

func (r *OpencodeRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	p := r.proc
	client := r.client
	session := r.session
	r.mu.Unlock()

	if p == nil {
		r.failStart(fmt.Errorf("stopped before start"))
		return nil
	}

	if client != nil && session != "" {
		_ = client.Abort(ctx, session)
	}
	err := p.Stop(r.grace())
	if client != nil {
		client.Close()
	}
	return err
}

func (r *OpencodeRunner) Done() <-chan struct{} { return r.done }

func (r *OpencodeRunner) Exit() ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *OpencodeRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *OpencodeRunner) Streaming() bool { return r.cfg.Streaming }

func (r *OpencodeRunner) PushMessage(ctx context.Context, text string) error {
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

func (r *OpencodeRunner) CompleteStream() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return fmt.Errorf("runner not started")
	}
	r.closeInput()
	return nil
}

var _ Runner = (*OpencodeRunner)(nil)
