package lock

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMap_SerializesPerKey(t *testing.T) {
	m := NewMutexMap()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("pipe_1")
			counter++
			m.Unlock("pipe_1")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestMutexMap_IndependentKeys(t *testing.T) {
	m := NewMutexMap()

	m.Lock("a")
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	<-done // must not deadlock: "b" is independent of held "a"
	m.Unlock("a")
}

func TestFileLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := NewFileLock(path)
	if err := first.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}

	second := NewFileLock(path)
	if err := second.TryLock(); err == nil {
		t.Fatal("second TryLock succeeded, want failure while held")
	}

	first.Unlock()

	if err := second.TryLock(); err != nil {
		t.Fatalf("TryLock after release failed: %v", err)
	}
	second.Unlock()
}
