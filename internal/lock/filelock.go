// SPDX-License-Identifier: MIT

//go:build linux

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileLock is a flock(2)-based exclusive lock on a sibling file, used to
// close the TOCTOU window between a liveness probe and a pid-file write
// (internal/daemon.Run).
//
// Reference: mediamtx-stream-manager.sh acquire_lock() lines 837-906
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// DefaultStaleThreshold is the threshold Acquire passes to isLockStale.
// isLockStale ignores it: staleness is decided from the recorded pid alone.
const DefaultStaleThreshold = 300 * time.Second

// NewFileLock creates a file-based lock at path. The lock file itself is
// created lazily by Acquire; only its parent directory is created here.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}

	dir := filepath.Dir(path)
	// #nosec G301 - Lock directory needs 0755 for multi-user access
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path: path,
		pid:  os.Getpid(),
	}, nil
}

// Acquire attempts to take the exclusive lock, retrying every 100ms until
// timeout elapses (0 = try once, no wait — the only mode mediabin uses,
// since the daemon treats "already locked" as "another instance is
// starting" rather than something worth waiting out).
func (fl *FileLock) Acquire(timeout time.Duration) error {
	if stale, _ := isLockStale(fl.path, DefaultStaleThreshold); stale {
		_ = os.Remove(fl.path) // Explicitly ignore error - file might not exist
	}

	// #nosec G302 - Lock file needs 0644 for multi-process coordination
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = file.Close()
			return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", fl.pid); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// release unlocks and closes the underlying file. Unexported: Close is
// the only path mediabin takes to give up a lock, and release exists
// separately only so Close has something idempotent to call.
func (fl *FileLock) release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	fl.file = nil
	return nil
}

// Close releases the lock if held. Safe to call more than once.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()

	if held {
		return fl.release()
	}
	return nil
}

// isLockStale reports whether the lock file at lockPath belongs to a
// process that is no longer running. threshold is unused: a file that
// cannot be read or holds no valid pid counts as stale, otherwise the
// pid is probed directly (see below).
//
// Reference: mediamtx-stream-manager.sh is_lock_stale() lines 765-805
func isLockStale(lockPath string, threshold time.Duration) (bool, error) {
	_ = threshold

	_, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		return false, nil // No lock file = not stale
	}
	if err != nil {
		return false, err // Can't stat = assume not stale (safe default)
	}

	// #nosec G304 - Lock path is controlled by application configuration
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil // Can't read = assume stale
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil // Empty file = stale
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil // Invalid PID = stale
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return true, nil // Process not found = stale
	}

	// On Unix, FindProcess always succeeds, so a zero-signal probe is the
	// real liveness check.
	if err := process.Signal(syscall.Signal(0)); err == nil {
		// Process is alive. The lock is valid regardless of the lock
		// file's modification time — a long download can hold the lock
		// for hours, and an age check here would steal it from a healthy
		// daemon, letting two instances run concurrently.
		return false, nil
	}

	return true, nil
}
