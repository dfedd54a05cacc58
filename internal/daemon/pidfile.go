// Package daemon tracks a background crv serve process through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrRunning is returned by Acquire when a live process holds the file.
	ErrRunning = errors.New("already running")
	// ErrNotRunning is returned by Stop when no live process holds the file.
	ErrNotRunning = errors.New("not running")
)

// stopPoll is how often Stop checks whether the process has exited.
const stopPoll = 100 * time.Millisecond

// PIDFile records the PID of the process serving the dev backend.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire records the current process in the file. A file left behind by a
// dead process is replaced; a live one yields ErrRunning.
func (p *PIDFile) Acquire() error {
	if pid, running := p.Status(); running && pid != os.Getpid() {
		return fmt.Errorf("pid %d: %w", pid, ErrRunning)
	}
	return p.WritePID(os.Getpid())
}

// Release removes the file if it still names the current process.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(p.Path)
}

// WritePID writes pid to the file, creating its directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the PID stored in the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file content %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Status reports the recorded PID and whether that process is alive.
func (p *PIDFile) Status() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// Stop asks the recorded process to terminate and waits up to grace for it
// to exit, then kills it. The file is removed once the process is gone.
func (p *PIDFile) Stop(grace time.Duration) error {
	pid, running := p.Status()
	if !running {
		_ = os.Remove(p.Path)
		return ErrNotRunning
	}
	if err := signal(pid, termSignal); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			_ = os.Remove(p.Path)
			return nil
		}
		time.Sleep(stopPoll)
	}

	if err := signal(pid, killSignal); err != nil && alive(pid) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	_ = os.Remove(p.Path)
	return nil
}
