//go:build !linux

package runtime

import "os/exec"

func pidAlive(pid int) bool { return false }

func terminatePID(pid int) {}

func killPID(pid int) {}

func detachProcess(cmd *exec.Cmd) {}
