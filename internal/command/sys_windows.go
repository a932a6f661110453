//go:build windows
// +build windows

package command

import (
	"os/exec"
)

func setPgid(cmd *exec.Cmd) {}

// signalTerminate and signalKill have no graceful-signal equivalent on
// Windows; both just kill the process outright (matching turborepo's
// sys_windows.go, which has no SIGTERM analog either).
func signalTerminate(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func signalKill(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
