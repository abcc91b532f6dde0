package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// sessionLockName is the PID file held while browse runs. Two sessions would
// compete for the callback ports and overwrite each other's last path.
const sessionLockName = "browse.pid"

const sessionLockPermissions = 0o600

// errSessionRunning means another browse session holds the lock.
var errSessionRunning = errors.New("another browse session is already running")

// acquireSessionLock writes the current PID to path under an exclusive flock.
// The returned release func removes the file and drops the lock.
func acquireSessionLock(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("session lock path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, sessionLockPermissions)
	if err != nil {
		return nil, fmt.Errorf("opening session lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readSessionPID(path); readErr == nil {
			return nil, fmt.Errorf("%w (PID %d)", errSessionRunning, pid)
		}

		return nil, errSessionRunning
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating session lock: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing session lock: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing session lock: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readSessionPID reads the PID stored in a session lock file.
func readSessionPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading session lock: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// runningSession returns the PID of a live browse session, if any. A stale
// lock file (process gone) is reported as no session.
func runningSession(path string) (int, bool) {
	pid, err := readSessionPID(path)
	if err != nil {
		return 0, false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	if proc.Signal(syscall.Signal(0)) != nil {
		return 0, false
	}

	return pid, true
}
