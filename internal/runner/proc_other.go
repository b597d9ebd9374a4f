//go:build !unix

package runner

import (
	"errors"
	"os"
	"os/exec"
)

var defaultBatch = Command{Path: "cmd.exe", Args: []string{"/c"}}

const defaultPowerShell = "powershell.exe"

func detach(*exec.Cmd) {}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer p.Release()
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// no console interrupts outside of unix
func interruptGroup(pid int) error {
	return killGroup(pid)
}

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
