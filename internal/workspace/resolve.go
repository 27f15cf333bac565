// Package workspace offers a directory to sub-queries through read-only
// file tools. Every path is confined to the workspace root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrOutsideWorkspace = errors.New("path is outside workspace root")
	ErrNotADirectory    = errors.New("not a directory")
)

// RootError is returned when the workspace root is unusable.
type RootError struct {
	Root  string
	Cause error
}

func (e *RootError) Error() string {
	return fmt.Sprintf("invalid workspace root %s: %v", e.Root, e.Cause)
}

func (e *RootError) Unwrap() error { return e.Cause }

// Resolver maps model-supplied paths onto the workspace.
type Resolver struct {
	root string
}

// NewResolver canonicalises root by making it absolute and resolving
// symlinks. It must name an existing directory.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &RootError{Root: root, Cause: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, &RootError{Root: abs, Cause: err}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, &RootError{Root: resolved, Cause: err}
	}
	if !info.IsDir() {
		return nil, &RootError{Root: resolved, Cause: ErrNotADirectory}
	}
	return &Resolver{root: resolved}, nil
}

// Root returns the canonical root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the absolute and slash-separated relative form of path.
// Relative paths are taken from the root. Symlinks pointing outside the
// root are rejected.
func (r *Resolver) Resolve(path string) (abs, rel string, err error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(r.root, path))
	}
	if !r.within(abs) {
		return "", "", ErrOutsideWorkspace
	}

	// a missing path cannot escape through a link
	if target, err := filepath.EvalSymlinks(abs); err == nil && !r.within(target) {
		return "", "", ErrOutsideWorkspace
	}

	rel, err = filepath.Rel(r.root, abs)
	if err != nil {
		return "", "", ErrOutsideWorkspace
	}
	if rel == "." {
		rel = ""
	}
	return abs, filepath.ToSlash(rel), nil
}

func (r *Resolver) within(abs string) bool {
	return abs == r.root || strings.HasPrefix(abs, r.root+string(filepath.Separator))
}
