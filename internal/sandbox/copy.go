package sandbox

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopySandbox duplicates the project tree into a fresh directory and
// detects changes by comparing content hashes against a baseline taken
// at acquire time. It works on any directory, versioned or not.
type CopySandbox struct {
	projectRoot string
	sandboxRoot string

	mu        sync.Mutex
	baselines map[string]map[string][sha256.Size]byte // handle ID → rel path → hash
}

func NewCopySandbox(projectRoot, sandboxRoot string) *CopySandbox {
	return &CopySandbox{
		projectRoot: projectRoot,
		sandboxRoot: sandboxRoot,
		baselines:   make(map[string]map[string][sha256.Size]byte),
	}
}

func (s *CopySandbox) Acquire() (*Handle, error) {
	h, err := newHandle(s.sandboxRoot)
	if err != nil {
		return nil, err
	}

	files, err := listFiles(s.projectRoot)
	if err != nil {
		os.RemoveAll(h.Dir)
		return nil, fmt.Errorf("scan project tree: %w", err)
	}

	baseline := make(map[string][sha256.Size]byte, len(files))
	var bmu sync.Mutex

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			sum, err := copyHashed(
				filepath.Join(s.projectRoot, rel),
				filepath.Join(h.Dir, rel),
			)
			if err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
			bmu.Lock()
			baseline[rel] = sum
			bmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(h.Dir)
		return nil, err
	}

	s.mu.Lock()
	s.baselines[h.ID] = baseline
	s.mu.Unlock()
	return h, nil
}

// Diff returns files whose content differs from the acquire-time
// baseline, plus files created or deleted since, sorted.
func (s *CopySandbox) Diff(h *Handle) ([]string, error) {
	s.mu.Lock()
	baseline, ok := s.baselines[h.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown sandbox handle %q", h.ID)
	}

	current, err := listFiles(h.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}

	changed := make(map[string]bool)
	seen := make(map[string]bool, len(current))
	for _, rel := range current {
		seen[rel] = true
		sum, err := hashFile(filepath.Join(h.Dir, rel))
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", rel, err)
		}
		if base, ok := baseline[rel]; !ok || base != sum {
			changed[rel] = true
		}
	}
	for rel := range baseline {
		if !seen[rel] {
			changed[rel] = true
		}
	}

	out := make([]string, 0, len(changed))
	for rel := range changed {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func (s *CopySandbox) Release(h *Handle, keepLogs bool) error {
	s.mu.Lock()
	delete(s.baselines, h.ID)
	s.mu.Unlock()

	if keepLogs {
		// Leave the workspace on disk for inspection.
		return nil
	}
	return os.RemoveAll(h.Dir)
}

// listFiles walks root and returns relative paths of regular files,
// skipping version control and workspace metadata.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipEntry(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// copyHashed copies src to dst, creating parent directories, and
// returns the content hash computed during the copy.
func copyHashed(src, dst string) ([sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return zero, err
	}
	in, err := os.Open(src)
	if err != nil {
		return zero, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return zero, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return zero, err
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), in); err != nil {
		out.Close()
		return zero, err
	}
	if err := out.Close(); err != nil {
		return zero, err
	}

	var sum [sha256.Size]byte
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return sum, err
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}
