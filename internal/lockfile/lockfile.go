// Package lockfile guards the state directory against a second daemon
// instance. Two processes sharing one sqlite database would fight over the
// WAL, so the daemon takes an exclusive lock before opening the store.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrAlreadyLocked indicates the state directory belongs to another running
// daemon.
var ErrAlreadyLocked = errors.New("lock already held")

// Lock is a held state-directory lock. It stays valid until Release or
// process exit; the kernel drops the underlying flock either way, so a
// crashed daemon never leaves a stale lock behind.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the exclusive lock at path without blocking. A lock held
// elsewhere surfaces as ErrAlreadyLocked.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort pid record, so reading the lock file explains a refused
	// start.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
