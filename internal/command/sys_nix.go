//go:build !windows
// +build !windows

package command

/**
 * Adapted from consul-template's child/sys_nix.go, via vercel/turborepo's
 * internal/process/sys_nix.go.
 */

import (
	"os/exec"
	"syscall"
)

func setPgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerminate and signalKill signal the whole process group so that
// children spawned by the command are also reached (§5 Cancellation). The
// actual signal constants are Unix-only, so they're kept out of the
// cross-platform execute.go and confined to these per-OS files.
func signalTerminate(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGTERM)
}

func signalKill(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGKILL)
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}
