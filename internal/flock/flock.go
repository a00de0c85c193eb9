// Package flock provides advisory file locking via flock(2).
//
// flock locks an inode (the open file), not a pathname. Callers should lock a
// dedicated, stable lock file path (for example "store.mnemo.lock") and avoid
// replacing or unlinking that path while locks may be held.
package flock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrWouldBlock is returned by TryLock when the lock is held by another
// process (or another handle in this process).
var ErrWouldBlock = errors.New("flock: lock would block")

const lockFilePerm = 0o600

// Lock represents a held exclusive file lock. Call [Lock.Close] to release it.
type Lock struct {
	file *os.File
}

// TryLock acquires an exclusive, non-blocking lock on the file at path,
// creating the file if it does not exist. The lock file is never removed;
// only the flock is released on Close.
//
// Returns [ErrWouldBlock] if another holder has the lock.
func TryLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = flockRetryEINTR(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return &Lock{file: file}, nil
}

// Close releases the lock and closes the underlying file descriptor.
// Close is idempotent; subsequent calls return nil.
//
// On Unix, closing the descriptor releases any flock held by it, so even if
// the explicit unlock fails but the close succeeds the lock is released.
func (l *Lock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())

	unlockErr := flockRetryEINTR(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close lock fd: %w", closeErr)
	}

	return nil
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete. The retry count is capped so a pathological signal storm cannot
// spin forever; in practice the cap is never hit.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
