package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

const (
	// defaultStopGrace bounds how long Stop waits between the terminate
	// signal and the kill.
	defaultStopGrace = 30 * time.Second

	// stderrTailMax is how much trailing stderr the harness retains for
	// failure reports.
	stderrTailMax = 8 * 1024
)

// proc supervises one spawned agent process: stdio pipes, a bounded stderr
// tail, and an exit monitor. All subprocess adapters share it.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	tail   *TailBuffer
	logger *logger.Logger

	exited   chan struct{}
	exitCode int
	exitErr  error

	mu       sync.Mutex
	stopping bool
	released bool
}

// startProcess launches the executable in its own process group and wires
// the pipes. stdout uses a manual pipe rather than StdoutPipe: Wait closes
// exec-managed pipes as soon as the process exits, which can discard a final
// protocol line still buffered in the pipe. With our own pipe the reader
// sees EOF only after draining everything the process wrote.
func startProcess(command string, args []string, dir string, env []string, log *logger.Logger) (*proc, error) {
	// exec.Command rather than CommandContext: context cancellation would
	// SIGKILL the agent mid-write and skip its own cleanup. stop owns
	// shutdown.
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	assignProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	// The child holds its own copies of the write ends; drop ours so the
	// readers see EOF once the process group is gone.
	stdoutW.Close()
	stderrW.Close()

	log.Debug("agent process started",
		zap.String("command", command),
		zap.Int("pid", cmd.Process.Pid))

	p := &proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		tail:   NewTailBuffer(stderrTailMax),
		logger: log,
		exited: make(chan struct{}),
	}
	go p.drainStderr(stderrR)
	go p.monitorExit()
	return p, nil
}

// drainStderr logs each stderr line and keeps the tail for failure reports.
func (p *proc) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.tail.Write(line)
		p.tail.Write([]byte("\n"))
		p.logger.Debug("agent stderr", zap.ByteString("line", line))
	}
}

// drainStdout consumes stdout as plain log lines. For adapters that speak
// their protocol elsewhere and only get server chatter on stdout. Run in a
// goroutine.
func (p *proc) drainStdout() {
	defer p.stdout.Close()
	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("agent stdout", zap.ByteString("line", scanner.Bytes()))
	}
}

func (p *proc) monitorExit() {
	err := p.cmd.Wait()
	code := exitCodeFromError(err)

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	// Exit code and error are published before the channel closes, so
	// readers that wait on exited can read them without the lock.
	p.exitCode = code
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			p.exitErr = err
		}
	}

	if err != nil && !stopping {
		p.logger.Warn("agent process exited with error",
			zap.Int("exit_code", code),
			zap.Error(err))
	} else {
		p.logger.Debug("agent process exited", zap.Int("exit_code", code))
	}
	close(p.exited)
}

// Stdin returns the child's input pipe.
func (p *proc) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's output pipe.
func (p *proc) Stdout() io.Reader { return p.stdout }

// Exited is closed once the process is gone.
func (p *proc) Exited() <-chan struct{} { return p.exited }

// ExitCode reports the process exit code. Valid after Exited is closed.
func (p *proc) ExitCode() int { return p.exitCode }

// ExitErr reports a non-exit failure from Wait, if any. Valid after Exited
// is closed.
func (p *proc) ExitErr() error { return p.exitErr }

// Stop terminates the process group: terminate signal, wait up to grace,
// then kill. Safe to call more than once and after exit.
func (p *proc) Stop(grace time.Duration) error {
	p.mu.Lock()
	select {
	case <-p.exited:
		p.mu.Unlock()
		return nil
	default:
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	if grace <= 0 {
		grace = defaultStopGrace
	}

	p.logger.Debug("terminating agent process", zap.Int("pid", pid))
	if err := terminateProcessGroup(pid); err != nil {
		p.logger.Warn("terminate failed, killing process group", zap.Error(err))
		_ = killProcessGroup(pid)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("agent process did not exit in time, killing process group",
		zap.Int("pid", pid),
		zap.Duration("grace", grace))
	_ = killProcessGroup(pid)

	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", pid)
	}
}

// Release closes the remaining parent-side pipe ends. Call after the process
// has exited and the stdout reader has drained.
func (p *proc) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	_ = p.stdin.Close()
	_ = p.stdout.Close()
}

// CloseStdin closes the child's input stream, signalling end of input to
// agents that read prompts from stdin.
func (p *proc) CloseStdin() error {
	return p.stdin.Close()
}

// StderrTail returns the retained trailing stderr output.
func (p *proc) StderrTail() string {
	return p.tail.String()
}

var _ Handle = (*proc)(nil)
