// Package workspace confines the repository tools of research responders to one checkout.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Guard resolves tool paths against a checkout root. Every path it returns stays inside
// the root after symlinks are followed.
type Guard struct {
	rootPath string
}

// NewGuard resolves root, which must be an existing directory.
func NewGuard(root string) (*Guard, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	return &Guard{rootPath: resolved}, nil
}

// ResolveRoot returns the canonical absolute form of root. "" means the working
// directory and a leading "~" the home directory.
func ResolveRoot(root string) (string, error) {
	path, err := expandHome(strings.TrimSpace(root))
	if err != nil {
		return "", err
	}
	if path == "" {
		path = "."
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute workspace path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace root %s is not a directory", abs)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", NormalizeIOError(err, "resolve workspace root")
	}
	return resolved, nil
}

func (g *Guard) Root() string {
	if g == nil {
		return ""
	}
	return g.rootPath
}

// ResolvePath returns the canonical absolute form of input, relative inputs being taken
// from the root. Paths that do not exist yet are resolved through their nearest
// existing parent.
func (g *Guard) ResolvePath(input string) (string, error) {
	if g == nil {
		return "", NewError(ErrorIO, "workspace guard is nil")
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return "", NewError(ErrorInvalidPath, "path must not be empty")
	}
	if !filepath.IsAbs(input) {
		input = filepath.Join(g.rootPath, input)
	}

	resolved, err := canonicalPath(filepath.Clean(input))
	if err != nil {
		return "", err
	}
	if !within(g.rootPath, resolved) {
		return "", NewError(ErrorOutsideWorkspace, "resolved path escapes workspace")
	}
	return resolved, nil
}

// RelPath returns path relative to the root, or path itself when it lies outside.
func (g *Guard) RelPath(path string) string {
	path = filepath.Clean(path)
	if g == nil || !within(g.rootPath, path) {
		return path
	}

	rel, err := filepath.Rel(g.rootPath, path)
	if err != nil {
		return path
	}
	return rel
}

func canonicalPath(path string) (string, error) {
	var missing []string
	current := path

	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			// Re-append the components that do not exist yet.
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", NormalizeIOError(err, "resolve path")
		}
		if _, lerr := os.Lstat(current); lerr == nil {
			// Dangling symlink: its target is unknown, so it cannot be checked.
			return "", NewError(ErrorInvalidPath, "path is a dangling symlink")
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", NewError(ErrorInvalidPath, "path could not be resolved")
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

func expandHome(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && !strings.HasPrefix(rest, string(filepath.Separator))) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, rest), nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}
