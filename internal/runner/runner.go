package runner

import (
	"context"
	"fmt"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// EventHandler receives normalized events. Handlers are invoked from the
// runner's read goroutine in stream order; a blocking handler stalls the
// stream.
type EventHandler func(Event)

// ExitStatus is the final outcome of a runner process.
type ExitStatus struct {
	// Code is the process exit code. 143 indicates graceful SIGTERM
	// termination and is recoverable.
	Code int
	// Err carries a start or protocol failure, if any.
	Err error
	// StderrTail holds the last portion of the process stderr.
	StderrTail string
}

// Runner is the capability the coordinator consumes. One Runner drives one
// underlying agent process for one session turn.
type Runner interface {
	// Start launches the runner and begins streaming events to onEvent.
	Start(ctx context.Context, onEvent EventHandler) error

	// Stop cooperatively aborts the runner. Idempotent.
	Stop(ctx context.Context) error

	// Done is closed once the runner has fully exited.
	Done() <-chan struct{}

	// Exit reports the final status. Valid after Done is closed.
	Exit() ExitStatus

	// SessionID returns the underlying agent session id once known, used as
	// a resume hint. Empty until the runner reports it.
	SessionID() string

	// Streaming reports whether PushMessage and CompleteStream are
	// available.
	Streaming() bool

	// PushMessage enqueues a follow-up user message. Streaming mode only.
	PushMessage(ctx context.Context, text string) error

	// CompleteStream closes the input side of a streaming runner.
	CompleteStream() error
}

// Config carries everything an adapter needs to launch one runner.
type Config struct {
	Type            string
	WorkspacePath   string
	Prompt          string
	Model           string
	FallbackModel   string
	AllowedTools    []string
	DisallowedTools []string
	ResumeSessionID string
	Env             []string

	// Streaming requests streaming input mode where the adapter supports it.
	Streaming bool

	// Sandbox, when set, runs the agent process in a container instead of
	// locally. Stdio adapters only; the opencode adapter ignores it because
	// its server speaks HTTP on a host port.
	Sandbox SandboxLauncher

	// StopGrace bounds the cooperative abort window before the process is
	// killed.
	StopGraceSeconds int

	// Command overrides the adapter's default executable, used by tests and
	// the mock runner.
	Command string
	Args    []string
}

// New constructs the adapter for cfg.Type.
func New(cfg Config, log *logger.Logger) (Runner, error) {
	switch cfg.Type {
	case TypeClaude:
		return NewClaudeRunner(cfg, log), nil
	case TypeCodex:
		return NewCodexRunner(cfg, log), nil
	case TypeOpencode:
		return NewOpencodeRunner(cfg, log), nil
	case TypeGemini:
		return NewGeminiRunner(cfg, log), nil
	case TypeMock:
		return NewMockRunner(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown runner type: %s", cfg.Type)
	}
}
