// Package paths manages the daemon's base directory and the pidfile that
// enforces single-instance operation.
package paths

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is an advisory single-instance lock backed by a pidfile. The zero
// value is not usable; construct with New.
type Lock struct {
	path string
}

// New returns a Lock for the pidfile at path. It does not touch the
// filesystem until Acquire is called.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire succeeds iff no pidfile exists, or the pidfile names a pid that is
// not a live process. On success it atomically writes the current pid
// (write to a temp file, then rename) and returns true. On failure (another
// live process holds the lock) it returns false and the live pid.
func (l *Lock) Acquire() (bool, int, error) {
	if running, pid, err := l.IsRunning(); err != nil {
		return false, 0, err
	} else if running {
		return false, pid, nil
	}

	tmp := l.path + ".tmp"
	pid := os.Getpid()
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return false, 0, fmt.Errorf("write pidfile temp: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return false, 0, fmt.Errorf("rename pidfile: %w", err)
	}
	return true, pid, nil
}

// Release unlinks the pidfile. It is safe to call even if the pidfile is
// already gone.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pidfile: %w", err)
	}
	return nil
}

// IsRunning reports whether a live process holds the lock, without
// mutating the pidfile.
func (l *Lock) IsRunning() (bool, int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Corrupt pidfile: treat as stale.
		return false, 0, nil
	}

	if isAlive(pid) {
		return true, pid, nil
	}
	return false, 0, nil
}

// isAlive probes a pid with signal 0, which performs existence and
// permission checks without actually signaling the process.
func isAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM: the process exists but we can't signal it - still alive.
	return err == syscall.EPERM
}
