//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// exitCodeFromError maps a Wait error to an exit code. Signal deaths use the
// shell convention of 128 plus the signal number, so SIGTERM reads as 143.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return status.ExitStatus()
}
