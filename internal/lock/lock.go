// Package lock guards a profile directory against concurrent daemons.
// One flock-held LOCK file per profile; the holder's pid is written into
// it so a contending process can say who owns it.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError is returned when another process holds the profile lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired profile lock. Release it before exit.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on the profile directory, creating the
// directory if needed. Contention yields a LockHeldError naming the
// current holder.
func Acquire(profileDir string) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	lockPath := filepath.Join(profileDir, "LOCK")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{PID: holder, Path: lockPath}
	}

	if err := stamp(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("stamp lock file: %w", err)
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release drops the lock and removes the lock file. Nil-safe and
// idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before close so a racing Acquire never reads a stale pid.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// stamp rewrites the lock file with the holder's pid and the acquisition
// time.
func stamp(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// readHolder best-effort reads the pid recorded in an existing lock
// file. Zero means unknown.
func readHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parsePID(string(data))
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
