//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}

func getTrueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", "exit 0")
}

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// signalGroup terminates the process; Windows has no SIGTERM equivalent for
// console children so every signal is a hard kill.
func signalGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
