//go:build windows

package runner

import "os/exec"

// exitCodeFromError maps a Wait error to an exit code.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ProcessState.ExitCode()
	}
	return 1
}
