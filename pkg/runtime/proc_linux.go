//go:build linux

package runtime

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// pidAlive reports whether a process with this pid exists. EPERM still
// means alive, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// terminatePID asks the process to exit. Already-gone is fine.
func terminatePID(pid int) {
	if pid > 0 {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
}

// killPID force-kills the process. Already-gone is fine.
func killPID(pid int) {
	if pid > 0 {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// detachProcess puts the child in its own session so service restarts
// and signal groups do not take running guests down with them.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
