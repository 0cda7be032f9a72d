// Package lock provides advisory single-instance locking for a state
// directory. The lock is a plain-text PID file: a recorded PID that no
// longer maps to a live process is stale and reclaimed, so a crashed run
// never blocks the next one.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// HeldError reports that another live process owns the lock.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("another berth process (pid %d) is already running against %s; wait for it to finish or stop it", e.PID, filepath.Dir(e.Path))
}

// Status classifies a lock file without touching it.
type Status uint8

const (
	StatusFree Status = iota + 1
	StatusHeld
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusHeld:
		return "held"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Inspect reports the lock state at path. It never acquires or clears
// anything; the returned PID is zero unless the state is held or stale.
func Inspect(path string) (Status, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusFree, 0, nil
		}
		return StatusFree, 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr != nil {
		return StatusStale, 0, nil
	}
	if processAlive(pid) {
		return StatusHeld, pid, nil
	}
	return StatusStale, pid, nil
}

// Lock is a held instance lock. Release it on every exit path.
type Lock struct {
	path     string
	released bool
}

// Acquire takes the lock at path, reclaiming stale records. Returns
// *HeldError when a live owner exists.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if parseErr == nil && processAlive(pid) {
			return nil, &HeldError{PID: pid, Path: path}
		}
		// Stale or unreadable record: the owner is gone.
		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, fmt.Errorf("clear stale lock: %w", removeErr)
		}
	case errors.Is(err, os.ErrNotExist):
		// Unlocked.
	default:
		return nil, fmt.Errorf("read lock file: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the PID file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Path returns the PID file location.
func (l *Lock) Path() string {
	return l.path
}

// processAlive probes pid with signal 0. EPERM still means the process
// exists, it just belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
