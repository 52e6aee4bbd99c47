package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// resolveWorkspacePath resolves path against the workspace and rejects
// anything that escapes it. Symlinks are resolved to canonical targets
// before the boundary check so a link inside the workspace cannot point
// out of it.
func resolveWorkspacePath(workspace, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspace, abs)
	}
	abs = filepath.Clean(abs)

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace // workspace not created yet
	}

	real, err := resolveThroughAncestors(abs)
	if err != nil {
		slog.Warn("tools: path resolve failed", "path", path, "error", err)
		return "", fmt.Errorf("access denied: cannot resolve path %s", path)
	}
	if !isPathInside(real, wsReal) {
		slog.Warn("tools: path escape rejected", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: %s is outside the workspace", path)
	}
	if err := rejectHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// resolveThroughAncestors canonicalizes a path that may not exist yet:
// the deepest existing ancestor is resolved with EvalSymlinks and the
// remaining components are appended verbatim.
func resolveThroughAncestors(abs string) (string, error) {
	return resolveAncestors(abs, 0)
}

func resolveAncestors(abs string, depth int) (string, error) {
	if depth > 40 {
		return "", fmt.Errorf("too many levels of symbolic links")
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	// A dangling symlink resolves through its target, not its own name,
	// so a link to a missing outside file cannot pass the boundary check.
	if info, lerr := os.Lstat(abs); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		target, rerr := os.Readlink(abs)
		if rerr != nil {
			return "", rerr
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(abs), target)
		}
		return resolveAncestors(filepath.Clean(target), depth+1)
	}
	current := abs
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(abs), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
	}
}

// isPathInside checks whether child is inside or equal to parent.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// rejectHardlink refuses regular files with nlink > 1 so a hardlink
// planted inside the workspace cannot expose an outside file.
// Directories naturally have nlink > 1 and are exempt.
func rejectHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // not created yet; the actual operation will surface errors
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("tools: hardlinked file rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}

// relToWorkspace renders a resolved path relative to the workspace for
// display; falls back to the absolute path when outside.
func relToWorkspace(workspace, path string) string {
	absWorkspace, _ := filepath.Abs(workspace)
	if wsReal, err := filepath.EvalSymlinks(absWorkspace); err == nil {
		absWorkspace = wsReal
	}
	if rel, err := filepath.Rel(absWorkspace, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
