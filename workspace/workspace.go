// Package workspace confines model-supplied paths to a single root directory.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/voocel/codebox/schema"
)

// ErrPathEscape is returned when a path resolves outside the workspace root.
// It matches schema.ErrInvalidArguments.
var ErrPathEscape = fmt.Errorf("%w: path escapes workspace", schema.ErrInvalidArguments)

const maxLinkDepth = 40

// Workspace is a rooted directory. All paths handed to Resolve are
// interpreted relative to the root, and the resolved result never leaves it,
// including through symlinks.
type Workspace struct {
	root string
}

// New creates the root directory if needed and returns a Workspace for it.
func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace: root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	return &Workspace{root: filepath.Clean(resolved)}, nil
}

// Root returns the canonical root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Sub returns a workspace rooted at a child directory, creating it.
func (w *Workspace) Sub(name string) (*Workspace, error) {
	dir, err := w.Resolve(name)
	if err != nil {
		return nil, err
	}
	if dir == w.root {
		return nil, fmt.Errorf("%w: empty sub-workspace name", schema.ErrInvalidArguments)
	}
	return New(dir)
}

// Resolve maps p to an absolute path inside the root, following symlinks.
// An empty path, "." and "/" all mean the root. An absolute path already
// under the root is used as is; any other absolute path is taken relative
// to the root, so "/notes.txt" and "notes.txt" name the same file.
func (w *Workspace) Resolve(p string) (string, error) {
	candidate, err := w.candidate(p)
	if err != nil {
		return "", err
	}
	resolved := resolveExisting(candidate, 0)
	if !w.contains(resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return resolved, nil
}

// ResolveEntry is Resolve without following a symlink in the final path
// element: the parent directory is resolved and checked, and the returned
// path names the directory entry itself. Use it to inspect or remove a link
// rather than its target.
func (w *Workspace) ResolveEntry(p string) (string, error) {
	candidate, err := w.candidate(p)
	if err != nil {
		return "", err
	}
	if candidate == w.root {
		return w.root, nil
	}
	parent := resolveExisting(filepath.Dir(candidate), 0)
	if !w.contains(parent) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	entry := filepath.Join(parent, filepath.Base(candidate))
	if !w.contains(entry) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return entry, nil
}

// candidate turns p into a cleaned absolute path before symlinks are
// evaluated.
func (w *Workspace) candidate(p string) (string, error) {
	p = strings.TrimSpace(p)
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains NUL byte", schema.ErrInvalidArguments)
	}
	switch {
	case p == "" || p == "." || p == "/":
		return w.root, nil
	case filepath.IsAbs(p):
		clean := filepath.Clean(p)
		if w.contains(clean) {
			return clean, nil
		}
		return filepath.Join(w.root, clean[len(filepath.VolumeName(clean)):]), nil
	default:
		return filepath.Join(w.root, p), nil
	}
}

// Rel returns the slash-separated path of abs relative to the root.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// IsRoot reports whether abs is the root itself.
func (w *Workspace) IsRoot(abs string) bool {
	return filepath.Clean(abs) == w.root
}

func (w *Workspace) contains(abs string) bool {
	return abs == w.root || strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-attaches the missing tail, so not-yet-created files still resolve.
// A dangling symlink is followed to its target.
func resolveExisting(path string, depth int) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil || depth >= maxLinkDepth {
			return path
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		return resolveExisting(filepath.Clean(target), depth+1)
	}

	dir := path
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		if _, err := os.Lstat(dir); err != nil {
			continue
		}
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			break
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			break
		}
		return filepath.Join(resolved, rel)
	}
	return path
}
