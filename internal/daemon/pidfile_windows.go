//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// Windows processes cannot receive SIGTERM; both steps kill.
const (
	termSignal = syscall.SIGKILL
	killSignal = syscall.SIGKILL
)

// alive reports whether a process handle can be opened for pid.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

func signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
