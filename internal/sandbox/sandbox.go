// Package sandbox runs agent processes inside Docker containers. A
// Launcher implements runner.SandboxLauncher: it creates one container
// per session with the issue workspace bind-mounted at /workspace and
// the agent command attached over stdio, and hands the adapter a
// runner.Handle backed by the container. Local process execution stays
// the default; repositories opt in by setting a sandbox image.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
)

// Labels marking containers this worker manages. The leak sweep finds
// orphans from a previous process by LabelManaged alone; the other two
// trace a container back to its session.
const (
	LabelManaged = "cyrus.managed"
	LabelIssue   = "cyrus.issue"
	LabelSession = "cyrus.session"
)

const (
	// defaultStopGrace bounds Stop between the daemon's terminate signal
	// and its kill when the caller passes no grace.
	defaultStopGrace = 30 * time.Second

	// stderrTailMax matches the local process harness so failure reports
	// carry the same amount of trailing stderr either way.
	stderrTailMax = 8 * 1024
)

// api is the slice of the Docker client the launcher drives. Production
// uses *Client; tests substitute a fake so no daemon is needed.
type api interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	AttachContainer(ctx context.Context, containerID string) (*Attach, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	KillContainer(ctx context.Context, containerID, signal string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error)
	Close() error
}

var _ api = (*Client)(nil)

// Options configure a Launcher for one session.
type Options struct {
	// Image is the container image the agent runs in.
	Image string

	// Host and APIVersion override the daemon connection; empty values
	// use the SDK defaults.
	Host       string
	APIVersion string

	// NetworkMode, Memory and CPUQuota pass through to the container.
	NetworkMode string
	Memory      int64
	CPUQuota    int64

	// IssueID and SessionID become container labels so a leaked sandbox
	// can be traced back to what started it.
	IssueID   string
	SessionID string
}

// Launcher starts agent containers. The Docker client is created lazily
// on first use; a daemon outage at construction time is retried on the
// next call rather than pinning the launcher broken.
type Launcher struct {
	opts   Options
	logger *logger.Logger

	// newClientFn creates the Docker client. Overridden in tests.
	newClientFn func() (api, error)

	mu          sync.Mutex
	initialized bool
	client      api
}

var _ runner.SandboxLauncher = (*Launcher)(nil)

// NewLauncher builds a launcher. The daemon connection is not opened
// here; the first call that needs it does that.
func NewLauncher(opts Options, log *logger.Logger) *Launcher {
	if log == nil {
		log = logger.Default()
	}
	l := &Launcher{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "sandbox")),
	}
	l.newClientFn = func() (api, error) {
		return NewClient(opts.Host, opts.APIVersion, l.logger)
	}
	return l
}

// ensureClient opens the daemon connection on first use. mu+initialized
// rather than sync.Once so a transient failure is retried next call.
func (l *Launcher) ensureClient() (api, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return l.client, nil
	}

	cli, err := l.newClientFn()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	l.client = cli
	l.initialized = true
	return cli, nil
}

// Launch creates the container, attaches its stdio, and starts it. The
// attach happens before the start so no early output is lost. A failed
// create is retried once after pulling the image, which covers the
// common first run on a host that has never seen it.
func (l *Launcher) Launch(ctx context.Context, spec runner.SandboxSpec) (runner.Handle, error) {
	if l.opts.Image == "" {
		return nil, fmt.Errorf("sandbox image not configured")
	}
	cli, err := l.ensureClient()
	if err != nil {
		return nil, err
	}

	cfg := ContainerConfig{
		Name:         containerName(),
		Image:        l.opts.Image,
		Cmd:          append([]string{spec.Command}, spec.Args...),
		Env:          spec.Env,
		WorkspaceDir: spec.WorkspacePath,
		NetworkMode:  l.opts.NetworkMode,
		Memory:       l.opts.Memory,
		CPUQuota:     l.opts.CPUQuota,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelIssue:   l.opts.IssueID,
			LabelSession: l.opts.SessionID,
		},
	}

	id, err := cli.CreateContainer(ctx, cfg)
	if err != nil {
		if perr := cli.PullImage(ctx, l.opts.Image); perr != nil {
			return nil, err
		}
		id, err = cli.CreateContainer(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	att, err := cli.AttachContainer(ctx, id)
	if err != nil {
		_ = cli.RemoveContainer(ctx, id, true)
		return nil, err
	}

	if err := cli.StartContainer(ctx, id); err != nil {
		att.Close()
		_ = cli.RemoveContainer(ctx, id, true)
		return nil, err
	}

	l.logger.Info("sandboxed agent started",
		zap.String("container_id", shortID(id)),
		zap.String("image", l.opts.Image),
		zap.String("command", spec.Command))

	inst := &Instance{
		id:     id,
		client: cli,
		logger: l.logger,
		stdin:  att.Stdin,
		stdout: att.Stdout,
		tail:   runner.NewTailBuffer(stderrTailMax),
		attach: att,
		exited: make(chan struct{}),
	}
	go inst.drainStderr(att.Stderr)
	go inst.monitorExit()
	return inst, nil
}

// Ping verifies the daemon is reachable. Called at startup when a
// repository opts into sandboxing so misconfiguration surfaces before
// the first issue arrives.
func (l *Launcher) Ping(ctx context.Context) error {
	cli, err := l.ensureClient()
	if err != nil {
		return err
	}
	return cli.Ping(ctx)
}

// CleanupLeaked removes containers left behind by a previous worker
// process. It matches on LabelManaged regardless of which session
// created them, so containers from other tools are untouched. Returns
// how many were removed.
func (l *Launcher) CleanupLeaked(ctx context.Context) (int, error) {
	cli, err := l.ensureClient()
	if err != nil {
		return 0, err
	}

	leaked, err := cli.ListContainers(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ctr := range leaked {
		if ctr.State == "running" {
			if err := cli.StopContainer(ctx, ctr.ID, 5*time.Second); err != nil {
				l.logger.Warn("failed to stop leaked container",
					zap.String("container_id", shortID(ctr.ID)),
					zap.Error(err))
			}
		}
		if err := cli.RemoveContainer(ctx, ctr.ID, true); err != nil {
			l.logger.Warn("failed to remove leaked container",
				zap.String("container_id", shortID(ctr.ID)),
				zap.Error(err))
			continue
		}
		l.logger.Info("removed leaked sandbox container",
			zap.String("container_id", shortID(ctr.ID)),
			zap.String("image", ctr.Image))
		removed++
	}
	return removed, nil
}

// Close releases the daemon connection if one was opened.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	l.initialized = false
	return err
}

func containerName() string {
	return "cyrus-agent-" + uuid.NewString()[:8]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Instance is a running sandboxed agent. It satisfies runner.Handle
// with the same contract as the local process harness: exit code and
// error are published before Exited closes, and Stdout reaches EOF only
// after the container stopped and its output drained.
type Instance struct {
	id     string
	client api
	logger *logger.Logger

	stdin  io.WriteCloser
	stdout io.Reader
	tail   *runner.TailBuffer
	attach *Attach

	exited   chan struct{}
	exitCode int
	exitErr  error

	mu       sync.Mutex
	stopping bool
	released bool
}

var _ runner.Handle = (*Instance)(nil)

// ContainerID identifies the underlying container.
func (i *Instance) ContainerID() string { return i.id }

// Stdin returns the agent's input stream.
func (i *Instance) Stdin() io.WriteCloser { return i.stdin }

// Stdout returns the agent's demultiplexed output stream.
func (i *Instance) Stdout() io.Reader { return i.stdout }

// CloseStdin signals end of input to the agent. The attach connection's
// write side half-closes; output keeps streaming.
func (i *Instance) CloseStdin() error {
	return i.stdin.Close()
}

// Exited is closed once the container has stopped.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// ExitCode reports the container's exit code. Valid after Exited is
// closed.
func (i *Instance) ExitCode() int { return i.exitCode }

// ExitErr reports a wait failure, if any. Valid after Exited is closed.
func (i *Instance) ExitErr() error { return i.exitErr }

// StderrTail returns the retained trailing stderr output.
func (i *Instance) StderrTail() string {
	return i.tail.String()
}

// Stop stops the container: the daemon sends the terminate signal,
// waits up to grace, then kills, so an agent that shuts down cleanly
// exits with the same 143 the local harness reports. Safe to call more
// than once and after exit.
func (i *Instance) Stop(grace time.Duration) error {
	i.mu.Lock()
	select {
	case <-i.exited:
		i.mu.Unlock()
		return nil
	default:
	}
	i.stopping = true
	i.mu.Unlock()

	if grace <= 0 {
		grace = defaultStopGrace
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()

	i.logger.Debug("stopping sandbox container", zap.String("container_id", shortID(i.id)))
	if err := i.client.StopContainer(ctx, i.id, grace); err != nil {
		i.logger.Warn("stop failed, killing container",
			zap.String("container_id", shortID(i.id)),
			zap.Error(err))
		_ = i.client.KillContainer(ctx, i.id, "SIGKILL")
	}

	select {
	case <-i.exited:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("container %s did not exit after stop", shortID(i.id))
	}
}

// Release removes the container and drops the attach connection. Call
// after the container has exited and the stdout reader has drained.
func (i *Instance) Release() {
	i.mu.Lock()
	if i.released {
		i.mu.Unlock()
		return
	}
	i.released = true
	i.mu.Unlock()

	i.attach.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := i.client.RemoveContainer(ctx, i.id, true); err != nil {
		i.logger.Warn("failed to remove sandbox container",
			zap.String("container_id", shortID(i.id)),
			zap.Error(err))
	}
}

// drainStderr logs each stderr line and keeps the tail for failure
// reports, mirroring the local harness.
func (i *Instance) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		i.tail.Write(line)
		i.tail.Write([]byte("\n"))
		i.logger.Debug("agent stderr", zap.ByteString("line", line))
	}
}

// monitorExit publishes the exit code once the container stops. The
// wait runs on the background context: the container outlives any
// per-call context, and shutdown goes through Stop.
func (i *Instance) monitorExit() {
	code, err := i.client.WaitContainer(context.Background(), i.id)

	i.mu.Lock()
	stopping := i.stopping
	i.mu.Unlock()

	// Published before the channel closes, so readers that wait on
	// Exited can read them without the lock.
	i.exitCode = int(code)
	i.exitErr = err

	if (err != nil || code != 0) && !stopping {
		i.logger.Warn("sandboxed agent exited with error",
			zap.String("container_id", shortID(i.id)),
			zap.Int("exit_code", i.exitCode),
			zap.Error(err))
	} else {
		i.logger.Debug("sandboxed agent exited",
			zap.String("container_id", shortID(i.id)),
			zap.Int("exit_code", i.exitCode))
	}
	close(i.exited)
}

