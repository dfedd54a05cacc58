//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

const detachedProcess = 0x00000008

// detach starts the background server without a console, in its own
// process group so Ctrl+C in the shell does not reach it.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
		HideWindow:    true,
	}
}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
