// Package sandbox confines agent-requested file reads and writes to a
// single root directory. Paths are validated after symlink resolution, so
// neither ".." segments nor symlinks pointing outside the root can escape.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmarsden/acolyte/logger"
)

var (
	// ErrPathEscape is returned when a path resolves outside the root.
	ErrPathEscape = errors.New("path escapes workspace root")

	// ErrFileNotFound is returned when a read targets a missing file.
	ErrFileNotFound = errors.New("file not found")
)

// FS is a filesystem handler rooted at one directory. All operations
// resolve their path (following symlinks) and reject anything that does not
// land at or below the resolved root.
type FS struct {
	root string
	log  *slog.Logger
}

// New creates a handler rooted at dir. The directory must exist; its
// resolved form is the confinement boundary.
func New(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	return &FS{
		root: resolved,
		log:  logger.WithComponent("sandbox"),
	}, nil
}

// Root returns the resolved confinement root.
func (f *FS) Root() string {
	return f.root
}

// resolve validates a requested path and returns its symlink-resolved form.
// Relative paths are taken relative to the root. When the full path does
// not exist yet (a write target), the nearest existing ancestor is resolved
// and the missing tail re-appended, so a symlinked ancestor still cannot
// smuggle the target outside the root.
func (f *FS) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.root, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}

	if !within(f.root, resolved) {
		f.log.Warn("path escape rejected", "requested", path, "resolved", resolved)
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return resolved, nil
}

// resolveExisting symlink-resolves the longest existing prefix of path and
// re-appends the nonexistent remainder.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir := path
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Hit the filesystem root without finding an existing ancestor.
			return path, nil
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent

		resolved, err = filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
}

// within reports whether path equals root or descends from it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadTextFile reads a file inside the root. line and limit select an
// optional 1-based line window: nil means from the start / to the end.
func (f *FS) ReadTextFile(path string, line, limit *int) (string, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	if line == nil && limit == nil {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteTextFile writes content to a file inside the root, creating missing
// parent directories. The write is atomic: a temp file in the target
// directory is renamed over the destination.
func (f *FS) WriteTextFile(path, content string) error {
	resolved, err := f.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".acolyte-write-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}

	// Preserve existing file permissions; new files get 0644.
	mode := os.FileMode(0644)
	if info, err := os.Stat(resolved); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}

	f.log.Debug("file written", "path", resolved, "bytes", len(content))
	return nil
}
