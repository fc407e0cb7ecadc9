// Package sandbox provides isolated, exclusively owned workspaces for
// worker executions. Two strategies exist: a plain directory copy with
// content-hash diffing, and git worktrees for repositories.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wjlgatech/epiloop/internal/model"
)

// Handle identifies one acquired workspace.
type Handle struct {
	ID  string
	Dir string
}

// Sandbox acquires and releases isolated workspaces. Diff reports the
// files changed since Acquire as sorted relative paths.
type Sandbox interface {
	Acquire() (*Handle, error)
	Diff(h *Handle) ([]string, error)
	Release(h *Handle, keepLogs bool) error
}

// New selects a strategy from config. projectRoot is the tree workers
// operate on; workspaces live under sandboxRoot.
func New(cfg model.SandboxConfig, projectRoot, sandboxRoot string) (Sandbox, error) {
	switch cfg.Strategy {
	case "copy":
		return NewCopySandbox(projectRoot, sandboxRoot), nil
	case "git":
		return NewGitSandbox(projectRoot, sandboxRoot), nil
	default:
		return nil, fmt.Errorf("unknown sandbox strategy %q", cfg.Strategy)
	}
}

func newHandle(sandboxRoot string) (*Handle, error) {
	id := uuid.NewString()
	dir := filepath.Join(sandboxRoot, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &Handle{ID: id, Dir: dir}, nil
}

// skipEntry filters tree walks: workspace metadata and version control
// internals never enter a sandbox and never count as changes.
func skipEntry(name string) bool {
	return name == ".git" || name == ".epiloop"
}
