package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// Prompt markers the mock runner reacts to, so tests can exercise failure
// and abort paths without a real agent.
const (
	MockMarkerError = "__MOCK_ERROR__"
	MockMarkerHang  = "__MOCK_HANG__"
)

// MockRunner plays a deterministic script in-process, with no agent binary
// involved. It honors the full Runner contract including streaming
// follow-ups, which makes it the default in tests and dry runs.
type MockRunner struct {
	cfg    Config
	logger *logger.Logger

	sessionID string
	pushCh    chan string
	done      chan struct{}
	stopCh    chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	finished bool
	exit     ExitStatus
}

// NewMockRunner builds the scripted runner.
func NewMockRunner(cfg Config, log *logger.Logger) *MockRunner {
	return &MockRunner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mock-runner")),
		pushCh: make(chan string, 16),
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

func (r *MockRunner) Start(ctx context.Context, onEvent EventHandler) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("mock runner already started")
	}
	r.started = true
	if r.cfg.ResumeSessionID != "" {
		r.sessionID = r.cfg.ResumeSessionID
	} else {
		r.sessionID = "mock-" + uuid.NewString()[:8]
	}
	r.mu.Unlock()

	r.logger.Debug("mock runner starting", zap.String("session_id", r.sessionID))
	go r.run(ctx, onEvent)
	return nil
}

func (r *MockRunner) run(ctx context.Context, onEvent EventHandler) {
	defer r.finish()

	prompt := r.cfg.Prompt

	if strings.Contains(prompt, MockMarkerError) {
		onEvent(ErrorEvent("mock agent failure"))
		r.setExit(ExitStatus{Code: 1})
		return
	}

	onEvent(Thought("Looking at the task."))

	if strings.Contains(prompt, MockMarkerHang) {
		select {
		case <-r.stopCh:
			r.setExit(ExitStatus{Code: 143})
		case <-ctx.Done():
			r.setExit(ExitStatus{Code: 143})
		}
		return
	}

	input, _ := json.Marshal(map[string]string{"command": "echo ready"})
	onEvent(Action("Bash", "mock-tool-1", input))
	onEvent(Result("mock-tool-1", "ready", false))
	onEvent(Final("Completed: " + summarize(prompt)))

	if !r.cfg.Streaming {
		r.setExit(ExitStatus{Code: 0})
		return
	}

	// Streaming mode: each pushed message is one more turn.
	for {
		select {
		case text, ok := <-r.pushCh:
			if !ok {
				r.setExit(ExitStatus{Code: 0})
				return
			}
			onEvent(Thought("Working on the follow-up."))
			onEvent(Final("Completed: " + summarize(text)))
		case <-r.stopCh:
			r.setExit(ExitStatus{Code: 143})
			return
		case <-ctx.Done():
			r.setExit(ExitStatus{Code: 143})
			return
		}
	}
}

// summarize trims a prompt to the first line, capped for readability.
func summarize(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

func (r *MockRunner) setExit(exit ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.exit = exit
	}
}

func (r *MockRunner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	close(r.done)
}

func (r *MockRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)
	return nil
}

func (r *MockRunner) Done() <-chan struct{} { return r.done }

func (r *MockRunner) Exit() ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

func (r *MockRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *MockRunner) Streaming() bool { return r.cfg.Streaming }

func (r *MockRunner) PushMessage(ctx context.Context, text string) error {
	if !r.cfg.Streaming {
		return fmt.Errorf("mock runner is not in streaming mode")
	}
	// The lock orders the send against CompleteStream closing the channel.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.finished {
		return fmt.Errorf("mock runner already finished")
	}
	select {
	case r.pushCh <- text:
		return nil
	default:
		return fmt.Errorf("mock runner input queue full")
	}
}

func (r *MockRunner) CompleteStream() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.finished {
		return nil
	}
	r.stopped = true
	close(r.pushCh)
	return nil
}

var _ Runner = (*MockRunner)(nil)
