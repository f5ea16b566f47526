// Package fs provides the small set of filesystem helpers the stores need:
// existence checks, directory creation, exclusive advisory locks for
// single-writer enforcement, and atomic file writes for manifests.
package fs

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock indicates the lock is held by another process.
var ErrWouldBlock = errors.New("fs: lock would block")

// Exists reports whether path exists. Returns (false, err) only for errors
// other than non-existence.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// MkdirAll is a passthrough wrapper for [os.MkdirAll].
func MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Lock is an exclusive advisory flock on a lock file.
//
// The lock file is created if missing and persists after release; only the
// flock itself is dropped on Close.
type Lock struct {
	file *os.File
	path string
}

// TryLock acquires an exclusive, non-blocking flock on path.
// On contention it returns ErrWouldBlock.
func TryLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Close releases the flock and closes the file. Safe to call on nil.
func (l *Lock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil

	return err
}

// WriteFileAtomic writes data to path atomically: the bytes land in a temp
// file that is renamed over path, so readers never observe a partial write.
func WriteFileAtomic(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	return nil
}
