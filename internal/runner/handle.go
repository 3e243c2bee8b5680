package runner

import (
	"context"
	"io"
	"time"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// Handle is a running agent an adapter drives over stdio. startProcess
// returns the local implementation; a sandbox launcher returns a
// container-backed one with the same contract.
type Handle interface {
	// Stdin is the agent's input stream.
	Stdin() io.WriteCloser

	// Stdout is the agent's output stream. It reaches EOF only after the
	// agent has exited and everything it wrote has been drained.
	Stdout() io.Reader

	// CloseStdin signals end of input without stopping the agent.
	CloseStdin() error

	// Stop terminates the agent: cooperative signal, wait up to grace, then
	// kill. Safe to call more than once and after exit.
	Stop(grace time.Duration) error

	// Exited is closed once the agent is gone. ExitCode, ExitErr, and
	// StderrTail are valid afterward.
	Exited() <-chan struct{}
	ExitCode() int
	ExitErr() error

	// StderrTail returns the retained trailing stderr output.
	StderrTail() string

	// Release frees the remaining stream ends. Call after exit.
	Release()
}

// SandboxSpec describes one containerized agent launch. Workspace mounting
// and label conventions are the launcher's concern.
type SandboxSpec struct {
	Command       string
	Args          []string
	WorkspacePath string
	Env           []string
}

// SandboxLauncher runs agent processes in containers instead of locally.
// The sandbox package implements it; adapters run locally when Config
// carries none.
type SandboxLauncher interface {
	Launch(ctx context.Context, spec SandboxSpec) (Handle, error)
}

// launch starts the agent through the configured sandbox, or locally when
// no sandbox is set.
func launch(ctx context.Context, cfg Config, command string, args []string, env []string, log *logger.Logger) (Handle, error) {
	if cfg.Sandbox != nil {
		return cfg.Sandbox.Launch(ctx, SandboxSpec{
			Command:       command,
			Args:          args,
			WorkspacePath: cfg.WorkspacePath,
			Env:           env,
		})
	}
	p, err := startProcess(command, args, cfg.WorkspacePath, env, log)
	if err != nil {
		return nil, err
	}
	return p, nil
}
