//go:build unix && !linux

package runner

import (
	"os/exec"
	"syscall"
)

// assignProcessGroup puts the command in its own process group so signals reach
// the agent and everything it spawned. Pdeathsig is Linux-only; on these
// platforms orphan cleanup relies on explicit stop calls.
func assignProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
