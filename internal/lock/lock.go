// Package lock provides per-key mutexes and a flock-based file lock
// guarding segue's single-coordinator discipline.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key, lazily. Used to serialize
// snapshot writes per pipeline id.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an exclusive advisory lock backed by flock(2). It keeps a
// second daemon from racing the first over the same .segue directory.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking and records the holder PID
// in the lock file.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("acquire lock (another segue daemon may be running): %w", err)
	}

	release := func(reason string, cause error) error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return fmt.Errorf("%s: %w", reason, cause)
	}

	if err := f.Truncate(0); err != nil {
		return release("truncate lock file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release("seek lock file", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release("write PID to lock file", err)
	}
	if err := f.Sync(); err != nil {
		return release("sync lock file", err)
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the lock file.
func (fl *FileLock) Unlock() {
	if fl.file == nil {
		return
	}
	_ = syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	_ = fl.file.Close()
	_ = os.Remove(fl.path)
	fl.file = nil
}
