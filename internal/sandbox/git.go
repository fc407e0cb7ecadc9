package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// GitSandbox gives each worker a detached git worktree of the project
// repository. Change detection defers to git itself.
type GitSandbox struct {
	projectRoot string
	sandboxRoot string
}

func NewGitSandbox(projectRoot, sandboxRoot string) *GitSandbox {
	return &GitSandbox{projectRoot: projectRoot, sandboxRoot: sandboxRoot}
}

func (s *GitSandbox) Acquire() (*Handle, error) {
	h, err := newHandle(s.sandboxRoot)
	if err != nil {
		return nil, err
	}
	// worktree add refuses an existing directory, so hand it the path
	// only.
	if err := os.Remove(h.Dir); err != nil {
		return nil, err
	}

	if _, err := s.git(s.projectRoot, "worktree", "add", "--detach", h.Dir); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}
	return h, nil
}

// Diff lists files modified, added, or deleted in the worktree,
// including untracked files.
func (s *GitSandbox) Diff(h *Handle) ([]string, error) {
	out, err := s.git(h.Dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is the change.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, filepath.FromSlash(path))
	}
	sort.Strings(files)
	return files, nil
}

func (s *GitSandbox) Release(h *Handle, keepLogs bool) error {
	if keepLogs {
		return nil
	}
	if _, err := s.git(s.projectRoot, "worktree", "remove", "--force", h.Dir); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}

func (s *GitSandbox) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
