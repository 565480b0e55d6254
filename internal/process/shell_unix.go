//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

func getTrueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/true")
}

// configureSysProcAttr places the child in its own process group so that
// wrapper scripts and their children are signalled together.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}
