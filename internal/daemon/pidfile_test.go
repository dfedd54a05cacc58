package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteAndRead(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nested", "crv.pid"))

	require.NoError(t, pf.WritePID(12345))

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Read_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number\n"), 0o644))

	_, err := NewPIDFile(path).Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_Acquire(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "crv.pid"))

	require.NoError(t, pf.Acquire())
	pid, running := pf.Status()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring from the same process is allowed.
	require.NoError(t, pf.Acquire())
}

func TestPIDFile_Acquire_ReplacesStale(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "crv.pid"))
	require.NoError(t, pf.WritePID(999999))

	require.NoError(t, pf.Acquire())
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_Acquire_Running(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a sleep binary")
	}
	child := exec.Command("sleep", "30")
	require.NoError(t, child.Start())
	t.Cleanup(func() { _ = child.Process.Kill(); _ = child.Wait() })

	pf := NewPIDFile(filepath.Join(t.TempDir(), "crv.pid"))
	require.NoError(t, pf.WritePID(child.Process.Pid))

	err := pf.Acquire()
	assert.ErrorIs(t, err, ErrRunning)
}

func TestPIDFile_Release(t *testing.T) {
	dir := t.TempDir()
	pf := NewPIDFile(filepath.Join(dir, "crv.pid"))

	// Missing file is fine.
	require.NoError(t, pf.Release())

	// Another process's file is left alone.
	require.NoError(t, pf.WritePID(999999))
	require.NoError(t, pf.Release())
	_, err := os.Stat(pf.Path)
	require.NoError(t, err)

	require.NoError(t, pf.Acquire())
	require.NoError(t, pf.Release())
	_, err = os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_Status_NoFile(t *testing.T) {
	pid, running := NewPIDFile(filepath.Join(t.TempDir(), "missing.pid")).Status()
	assert.Equal(t, 0, pid)
	assert.False(t, running)
}

func TestPIDFile_Status_DeadProcess(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "crv.pid"))
	require.NoError(t, pf.WritePID(999999))

	pid, running := pf.Status()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestPIDFile_Stop_NotRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "crv.pid"))
	require.NoError(t, pf.WritePID(999999))

	err := pf.Stop(time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, statErr := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(statErr), "stale file is cleaned up")
}

func TestPIDFile_Stop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a sleep binary")
	}
	child := exec.Command("sleep", "30")
	require.NoError(t, child.Start())
	exited := make(chan struct{})
	go func() { _ = child.Wait(); close(exited) }()

	pf := NewPIDFile(filepath.Join(t.TempDir(), "crv.pid"))
	require.NoError(t, pf.WritePID(child.Process.Pid))

	require.NoError(t, pf.Stop(5 * time.Second))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process still running")
	}
	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}
