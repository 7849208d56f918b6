// Package statedir guards a state directory against a second process
// opening the same partition stores.
package statedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

var ErrLocked = errors.New("statedir: lock already held by this instance")

// Lock is an exclusive flock(2) on <dir>/.lock. It is advisory.
type Lock struct {
	path string
	file *os.File
}

func New(dir string) *Lock {
	return &Lock{path: filepath.Join(dir, ".lock")}
}

// Acquire creates dir if needed and takes the lock without blocking.
func (l *Lock) Acquire() error {
	if l.file != nil {
		return ErrLocked
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return fmt.Errorf("acquire lock (is another instance running?): %w", err)
	}

	l.file = file
	return nil
}

// Release unlocks and removes the lock file. Releasing an unheld lock is a
// no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	file := l.file
	l.file = nil

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (l *Lock) Held() bool {
	return l.file != nil
}
