// Package pidfile keeps a single voxd daemon per user.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the file.
var ErrAlreadyRunning = errors.New("another voxd daemon is already running")

// PIDFile is a held PID file.
type PIDFile struct {
	path string
	pid  int
}

// Path returns ~/.cache/voxd/<name>.pid.
func Path(name string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "voxd", name+".pid")
}

// Acquire writes the current PID to path. A file left by a dead process, or
// one that does not hold a PID at all, is replaced; one owned by a live
// process yields ErrAlreadyRunning.
func Acquire(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		// An empty or unparsable file is as stale as one naming a dead process.
		if pid, ok := read(path); ok && isProcessRunning(pid) && pid != os.Getpid() {
			return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	pid := os.Getpid()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race with another daemon starting at the same time.
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", pid)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write PID file: %w", werr)
	}
	return &PIDFile{path: path, pid: pid}, nil
}

// Running returns the PID recorded at path when that process is alive.
func Running(path string) (int, bool) {
	pid, ok := read(path)
	if !ok || !isProcessRunning(pid) {
		return 0, false
	}
	return pid, true
}

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, ok := read(p.path); ok && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

func read(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// isProcessRunning sends signal 0, which only checks that pid exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		// Exists, owned by someone else.
		return true
	default:
		return false
	}
}
