package registry

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := Open(filepath.Join(t.TempDir(), "registry.yaml"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return fs
}

func TestFileStore_CASCreateAndUpdate(t *testing.T) {
	fs := newTestStore(t)

	e, err := fs.CompareAndSwap("active/s1/A", "running", 0)
	if err != nil {
		t.Fatalf("create CAS failed: %v", err)
	}
	if e.Revision != 1 {
		t.Errorf("Revision = %d, want 1", e.Revision)
	}

	e, err = fs.CompareAndSwap("active/s1/A", "done", 1)
	if err != nil {
		t.Fatalf("update CAS failed: %v", err)
	}
	if e.Revision != 2 || e.Value != "done" {
		t.Errorf("entry = %+v, want revision 2 value done", e)
	}
}

func TestFileStore_CASRevisionMismatch(t *testing.T) {
	fs := newTestStore(t)

	if _, err := fs.CompareAndSwap("k", "v1", 0); err != nil {
		t.Fatalf("create CAS failed: %v", err)
	}

	_, err := fs.CompareAndSwap("k", "v2", 5)
	if !errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("stale CAS error = %v, want ErrRevisionMismatch", err)
	}

	_, err = fs.CompareAndSwap("absent", "v", 3)
	if !errors.Is(err, ErrRevisionMismatch) {
		t.Errorf("absent-key CAS error = %v, want ErrRevisionMismatch", err)
	}
}

func TestFileStore_CASContention(t *testing.T) {
	fs := newTestStore(t)
	if _, err := fs.CompareAndSwap("slot", "init", 0); err != nil {
		t.Fatalf("create CAS failed: %v", err)
	}

	// All writers race from the same expected revision; exactly one wins.
	var wg sync.WaitGroup
	wins := 0
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fs.CompareAndSwap("slot", "taken", 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("CAS winners = %d, want exactly 1", wins)
	}
}

func TestFileStore_ListPrefix(t *testing.T) {
	fs := newTestStore(t)
	for _, key := range []string{"active/s1/B", "active/s1/A", "active/s2/C", "session/s1"} {
		if _, err := fs.CompareAndSwap(key, "x", 0); err != nil {
			t.Fatalf("CAS %s failed: %v", key, err)
		}
	}

	entries := fs.List("active/s1/")
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	if entries[0].Key != "active/s1/A" || entries[1].Key != "active/s1/B" {
		t.Errorf("List order = [%s, %s], want sorted", entries[0].Key, entries[1].Key)
	}
}

func TestFileStore_FlushAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")

	fs, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := fs.CompareAndSwap("session/s1", "active", 0); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if err := fs.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	e, ok := reloaded.Get("session/s1")
	if !ok {
		t.Fatalf("entry lost across reload")
	}
	if e.Value != "active" || e.Revision != 1 {
		t.Errorf("reloaded entry = %+v", e)
	}
}

func TestFileStore_Delete(t *testing.T) {
	fs := newTestStore(t)
	if _, err := fs.CompareAndSwap("k", "v", 0); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	fs.Delete("k")
	if _, ok := fs.Get("k"); ok {
		t.Errorf("entry still present after delete")
	}
	// Re-create starts from revision 0 again.
	if _, err := fs.CompareAndSwap("k", "v2", 0); err != nil {
		t.Errorf("re-create after delete failed: %v", err)
	}
}
