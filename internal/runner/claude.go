package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/pkg/claudecode"
)

const claudeBinary = "claude"

// ClaudeRunner drives the Claude Code CLI in print mode with stream-json
// output. In streaming mode the CLI also reads stream-json from stdin, which
// is what makes follow-up messages on a live session possible.
type ClaudeRunner struct {
	cfg    Config
	log    *logger.Logger
	logger *logger.Logger

	mu        sync.Mutex
	proc      Handle
	client    *claudecode.Client
	sessionID string
	started   bool
	stopped   bool
	exit      ExitStatus

	done     chan struct{}
	doneOnce sync.Once
}

// NewClaudeRunner builds the adapter.
func NewClaudeRunner(cfg Config, log *logger.Logger) *ClaudeRunner {
	return &ClaudeRunner{
		cfg:    cfg,
		log:    log,
		logger: log.WithFields(zap.String("component", "claude-runner")),
		done:   make(chan struct{}),
	}
}

func (r *ClaudeRunner) Start(ctx context.Context, onEvent EventHandler) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	command := r.cfg.Command
	if command == "" {
		command = claudeBinary
	}

	p, err := launch(ctx, r.cfg, command, r.buildArgs(), r.cfg.Env, r.logger)
	if err != nil {
		r.failStart(err)
		return err
	}

	client := claudecode.NewClient(p.Stdin(), p.Stdout(), r.log)
	client.SetMessageHandler(func(msg *claudecode.Message) {
		r.handleMessage(msg, onEvent)
	})

	r.mu.Lock()
	r.proc = p
	r.client = client
	r.mu.Unlock()

	ready := client.Start(ctx)
	go r.awaitExit(p, client)

	if r.cfg.Streaming {
		<-ready
		if err := client.SendUser(r.cfg.Prompt); err != nil {
			r.logger.Error("failed to send initial prompt", zap.Error(err))
			_ = p.Stop(r.grace())
			return fmt.Errorf("send initial prompt: %w", err)
		}
	}
	return nil
}

// buildArgs assembles the CLI invocation. Config.Args overrides everything,
// which is how tests point the adapter at a stand-in binary.
func (r *ClaudeRunner) buildArgs() []string {
	if r.cfg.Args != nil {
		return r.cfg.Args
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if r.cfg.Streaming {
		args = append(args, "--input-format", "stream-json")
	}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if r.cfg.FallbackModel != "" {
		args = append(args, "--fallback-model", r.cfg.FallbackModel)
	}
	if len(r.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.cfg.AllowedTools, ","))
	}
	if len(r.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(r.cfg.DisallowedTools, ","))
	}
	if r.cfg.ResumeSessionID != "" {
		args = append(args, "--resume", r.cfg.ResumeSessionID)
	}
	if !r.cfg.Streaming {
		args = append(args, r.cfg.Prompt)
	}
	return args
}

func (r *ClaudeRunner) handleMessage(msg *claudecode.Message, onEvent EventHandler) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SubtypeInit && msg.SessionID != "" {
			r.setSessionID(msg.SessionID)
			r.logger.Debug("session initialized",
				zap.String("session_id", msg.SessionID),
				zap.String("model", msg.Model),
				zap.Int("tools", len(msg.Tools)))
		}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case claudecode.BlockTypeThinking:
				if block.Thinking != "" {
					onEvent(withParent(Thought(block.Thinking), msg.ParentToolUseID))
				}
			case claudecode.BlockTypeText:
				if block.Text != "" {
					onEvent(withParent(Thought(block.Text), msg.ParentToolUseID))
				}
			case claudecode.BlockTypeToolUse:
				onEvent(withParent(Action(block.Name, block.ID, block.Input), msg.ParentToolUseID))
			}
		}

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type == claudecode.BlockTypeToolResult {
				onEvent(withParent(Result(block.ToolUseID, block.Content.String(), block.IsError), msg.ParentToolUseID))
			}
		}

	case claudecode.MessageTypeResult:
		if msg.SessionID != "" {
			r.setSessionID(msg.SessionID)
		}
		r.logger.Debug("turn finished",
			zap.String("subtype", msg.Subtype),
			zap.Int("num_turns", msg.NumTurns),
			zap.Int64("duration_ms", msg.DurationMS),
			zap.Float64("cost_usd", msg.TotalCostUSD))
		if msg.IsError {
			text := msg.Result
			if text == "" {
				text = msg.Subtype
			}
			onEvent(ErrorEvent(text))
			return
		}
		onEvent(Final(msg.Result))
	}
}

// withParent tags an event with the Task tool_use that produced it, so
// fan-out sub-agent activity can be attributed to its group member.
func withParent(ev Event, parentToolUseID string) Event {
	ev.ParentToolUseID = parentToolUseID
	return ev
}

func (r *ClaudeRunner) setSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// awaitExit joins the process exit with the drained protocol stream, then
// publishes the final status.
func (r *ClaudeRunner) awaitExit(p Handle, client *claudecode.Client) {
	<-p.Exited()
	<-client.Done()
	p.Release()

	r.mu.Lock()
	r.exit = ExitStatus{Code: p.ExitCode(), Err: p.ExitErr(), StderrTail: p.StderrTail()}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *ClaudeRunner) failStart(err error) {
	r.mu.Lock()
	r.exit = ExitStatus{Code: 1, Err: err}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *ClaudeRunner) grace() time.Duration {
	return time.Duration(r.cfg.StopGraceSeconds) * time.Second
}

func (r *ClaudeRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	p := r.proc
	client := r.client
	r.mu.Unlock()

	if p == nil {
		r.failStart(fmt.Errorf("stopped before start"))
		return nil
	}

	// In streaming mode the CLI honors an interrupt control request, which
	// lets it flush a result before the terminate signal lands.
	if client != nil && r.cfg.Streaming {
		_ = client.Interrupt()
	}

	err := p.Stop(r.grace())
	if client != nil {
		client.Stop()
	}
	return err
}

func (r *ClaudeRunner) Done() <-chan struct{} { return r.done }

func (r *ClaudeRunner) Exit() ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *ClaudeRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *ClaudeRunner) Streaming() bool { return r.cfg.Streaming }

func (r *ClaudeRunner) PushMessage(ctx context.Context, text string) error {
	if !r.cfg.Streaming {
		return fmt.Errorf("runner is not in streaming mode")
	}
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return fmt.Errorf("runner not started")
	}
	return client.SendUser(text)
}

func (r *ClaudeRunner) CompleteStream() error {
	r.mu.Lock()
	p := r.proc
	r.mu.Unlock()
	if p == nil {
		return fmt.Errorf("runner not started")
	}
	return p.CloseStdin()
}

var _ Runner = (*ClaudeRunner)(nil)
