// Package workspace enforces worktree boundaries on file system operations.
// Task worktrees are populated from configurable patterns, so every write
// into one is validated against path traversal first.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Guard validates that file operations stay inside one worktree.
type Guard struct {
	root string
}

// NewGuard creates a guard rooted at the given worktree directory.
func NewGuard(root string) (*Guard, error) {
	if root == "" {
		return nil, fmt.Errorf("worktree directory cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktree directory: %w", err)
	}
	return &Guard{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute worktree root.
func (g *Guard) Root() string {
	return g.root
}

// ResolvePath resolves a path relative to the worktree root and returns its
// absolute, cleaned form. Absolute inputs are used as-is.
func (g *Guard) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.root, path)
	}
	return filepath.Clean(path), nil
}

// ValidatePath checks that the given path resolves to a location inside the
// worktree. Traversal via ".." or absolute paths outside the root is
// rejected.
func (g *Guard) ValidatePath(path string) error {
	_, err := g.SafeJoin(path)
	return err
}

// SafeJoin resolves path under the worktree root, failing if the result
// escapes it.
func (g *Guard) SafeJoin(path string) (string, error) {
	resolved, err := g.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if !g.contains(resolved) {
		return "", fmt.Errorf("path %q is outside the worktree", path)
	}
	return resolved, nil
}

func (g *Guard) contains(abs string) bool {
	if abs == g.root {
		return true
	}
	return strings.HasPrefix(abs, g.root+string(filepath.Separator))
}
