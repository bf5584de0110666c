package utils

import (
	"path/filepath"
	"strings"
)

// PathGuard answers whether a path resolves inside one of a fixed set of
// roots. Roots are resolved once, at construction.
type PathGuard struct {
	roots []string
}

func NewPathGuard(roots []string) *PathGuard {
	g := &PathGuard{roots: make([]string, 0, len(roots))}
	for _, root := range roots {
		if abs, ok := resolve(root); ok {
			g.roots = append(g.roots, abs)
		}
	}
	return g
}

// Contains reports whether path, after following symlinks, sits under any
// guarded root.
func (g *PathGuard) Contains(path string) bool {
	abs, ok := resolve(path)
	if !ok {
		return false
	}
	for _, root := range g.roots {
		if within(abs, root) {
			return true
		}
	}
	return false
}

// IsPathWithin is the one-shot form of PathGuard.Contains.
func IsPathWithin(path string, roots []string) bool {
	return NewPathGuard(roots).Contains(path)
}

func resolve(path string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", false
	}
	return abs, true
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
