//go:build unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

var defaultBatch = Command{Path: "/bin/sh"}

const defaultPowerShell = "pwsh"

// detach puts the child into a new session so it survives the parent and
// can be signaled as a group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func killGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func interruptGroup(pid int) error {
	return signalGroup(pid, syscall.SIGINT)
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
