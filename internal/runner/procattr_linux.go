//go:build linux

package runner

import (
	"os/exec"
	"syscall"
)

// assignProcessGroup puts the command in its own process group so signals reach
// the agent and everything it spawned. Pdeathsig has the kernel send SIGTERM
// to the child if this process dies without calling stop.
func assignProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
