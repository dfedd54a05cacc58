//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detach starts the background server in its own session so it outlives
// the invoking shell.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals stop serve and mcp. SIGHUP covers a closed terminal.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}
