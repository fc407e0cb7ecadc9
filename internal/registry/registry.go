// Package registry holds the small shared coordination state (active
// workers, session bookkeeping) behind an explicit transactional
// interface. State lives in a mutex-protected map; durability comes
// from periodic YAML snapshots guarded by an advisory file lock, so
// file locking exists only at the persistence boundary.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wjlgatech/epiloop/internal/lock"
	yamlutil "github.com/wjlgatech/epiloop/internal/yaml"
)

// ErrRevisionMismatch is returned by CompareAndSwap when the caller's
// expected revision no longer matches the stored entry.
var ErrRevisionMismatch = errors.New("revision mismatch")

// Entry is one keyed value with an optimistic-concurrency revision.
type Entry struct {
	Key       string `yaml:"key"`
	Value     string `yaml:"value"`
	Revision  int64  `yaml:"revision"`
	UpdatedAt string `yaml:"updated_at"`
}

// Snapshot is the on-disk registry document.
type Snapshot struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	Entries       []Entry `yaml:"entries"`
}

// Store is the transactional registry interface.
type Store interface {
	Get(key string) (Entry, bool)
	// CompareAndSwap writes value iff the stored revision equals
	// expectedRevision. expectedRevision 0 means create-if-absent.
	CompareAndSwap(key, value string, expectedRevision int64) (Entry, error)
	List(prefix string) []Entry
	Delete(key string)
}

// FileStore is the in-memory Store with durable YAML snapshots.
type FileStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	path     string
	fileLock *lock.FileLock
}

// Open loads any existing snapshot at path and returns the store.
func Open(path string) (*FileStore, error) {
	fs := &FileStore{
		entries:  make(map[string]Entry),
		path:     path,
		fileLock: lock.NewFileLock(path + ".lock"),
	}

	if _, err := os.Stat(path); err == nil {
		if err := yamlutil.ValidateSchemaHeader(path, "registry_snapshot"); err != nil {
			return nil, fmt.Errorf("registry snapshot header: %w", err)
		}
		var snap Snapshot
		if err := yamlutil.ReadInto(path, &snap); err != nil {
			return nil, fmt.Errorf("load registry snapshot: %w", err)
		}
		for _, e := range snap.Entries {
			fs.entries[e.Key] = e
		}
	}

	return fs, nil
}

func (fs *FileStore) Get(key string) (Entry, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[key]
	return e, ok
}

func (fs *FileStore) CompareAndSwap(key, value string, expectedRevision int64) (Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, exists := fs.entries[key]
	if !exists && expectedRevision != 0 {
		return Entry{}, fmt.Errorf("key %q: expected revision %d but entry is absent: %w",
			key, expectedRevision, ErrRevisionMismatch)
	}
	if exists && current.Revision != expectedRevision {
		return Entry{}, fmt.Errorf("key %q: expected revision %d, have %d: %w",
			key, expectedRevision, current.Revision, ErrRevisionMismatch)
	}

	next := Entry{
		Key:       key,
		Value:     value,
		Revision:  expectedRevision + 1,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	fs.entries[key] = next
	return next, nil
}

func (fs *FileStore) List(prefix string) []Entry {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []Entry
	for key, e := range fs.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (fs *FileStore) Delete(key string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.entries, key)
}

// Flush writes the current state as an atomic snapshot. The advisory
// file lock fences out concurrent epiloop processes at the boundary.
func (fs *FileStore) Flush() error {
	if err := fs.fileLock.TryLock(); err != nil {
		return fmt.Errorf("registry snapshot lock: %w", err)
	}
	defer fs.fileLock.Unlock()

	fs.mu.Lock()
	snap := Snapshot{
		SchemaVersion: 1,
		FileType:      "registry_snapshot",
		Entries:       make([]Entry, 0, len(fs.entries)),
	}
	for _, e := range fs.entries {
		snap.Entries = append(snap.Entries, e)
	}
	fs.mu.Unlock()

	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })
	return yamlutil.AtomicWrite(fs.path, snap)
}

// StartSnapshots flushes periodically until ctx is cancelled, then
// writes one final snapshot.
func (fs *FileStore) StartSnapshots(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = fs.Flush()
				return
			case <-ticker.C:
				_ = fs.Flush()
			}
		}
	}()
}

// ActiveWorkerKey builds the registry key for an active worker slot.
func ActiveWorkerKey(sessionID, storyID string) string {
	return fmt.Sprintf("active/%s/%s", sessionID, storyID)
}

var _ Store = (*FileStore)(nil)
