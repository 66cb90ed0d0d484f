// Package lock implements the single-producer exclusion lock: the producer driver acquires a process-exclusive file lock
// before enumerating forge state, so only one producer runs at a time
// across the fleet.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// ErrHeld is returned by Acquire when another process already holds the
// lock.
var ErrHeld = fmt.Errorf("lock: already held by another process")

// FileLock wraps a gofrs/flock advisory file lock.
type FileLock struct {
	fl *flock.Flock
}

// New constructs a FileLock backed by the file at path. The file is created
// if absent; it holds no meaningful content, only an OS-level lock.
func New(path string) *FileLock {
	return &FileLock{fl: flock.New(path)}
}

// TryAcquire attempts a non-blocking exclusive lock. It returns ErrHeld
// (not an error wrapping os-level contention) when another process holds
// the lock, so the producer can exit cleanly instead of treating contention
// as a failure.
func (l *FileLock) TryAcquire() (func() error, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: try lock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return nil, ErrHeld
	}
	return l.release, nil
}

func (l *FileLock) release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.fl.Path(), err)
	}
	return nil
}
