package atomicfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	lockPoll = 5 * time.Millisecond
	// a lock older than this belongs to a writer that died holding it
	staleLockAge = 10 * time.Second
)

// ErrLockTimeout is returned by Lock when another holder keeps the lock past the timeout.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// Lock takes an advisory lock on filename, shared by every process that locks the same name, by
// creating filename+".lock" exclusively. It waits up to timeout for the current holder. The returned
// func releases the lock.
func Lock(filename string, timeout time.Duration) (func(), error) {
	lockPath := filename + ".lock"
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", filepath.Base(filename), err)
		}
		if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", filepath.Base(filename), ErrLockTimeout)
		}
		time.Sleep(lockPoll)
	}
}
