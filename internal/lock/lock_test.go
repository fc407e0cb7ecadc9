package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	fl := NewFileLock(path)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid != os.Getpid() {
		t.Errorf("lock file PID = %q, want %d", content, os.Getpid())
	}

	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still exists after unlock")
	}
}

func TestFileLock_OwnerPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid.lock")
	fl := NewFileLock(path)

	if pid := fl.OwnerPID(); pid != 0 {
		t.Errorf("OwnerPID before lock = %d, want 0", pid)
	}

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	if pid := fl.OwnerPID(); pid != os.Getpid() {
		t.Errorf("OwnerPID = %d, want %d", pid, os.Getpid())
	}
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "never.lock"))
	if err := fl.Unlock(); err != nil {
		t.Errorf("Unlock without lock = %v, want nil", err)
	}
}

func TestMutexMap_SerializesPerKey(t *testing.T) {
	m := NewMutexMap()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("key")
			counter++
			m.Unlock("key")
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
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	<-done
	m.Unlock("a")
}
