// Package workspace manages the toolrun data directory.
// The SQLite database, stored uploads and scratch files all live under a
// single root, which keeps a deployment portable.
//
// Default workspace: ~/.toolrun (configurable via config or TOOLRUN_DATA_DIR).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".toolrun"

// Workspace manages the toolrun runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.toolrun.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Directory accessors ---

// UploadsDir returns <root>/uploads/.
func (w *Workspace) UploadsDir() string {
	return w.dir("uploads")
}

// OriginalDir returns <root>/uploads/original/. Content-addressed upload files.
func (w *Workspace) OriginalDir() string {
	return w.dir(filepath.Join("uploads", "original"))
}

// TmpDir returns <root>/tmp/. Partially written uploads.
func (w *Workspace) TmpDir() string {
	return w.dir("tmp")
}

// --- Derived paths ---

// DatabasePath returns <root>/toolrun.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "toolrun.db")
}

// ContentPath returns <root>/uploads/original/<sha1[:2]>/<sha1>[.<ext>] and
// ensures the shard directory exists.
func (w *Workspace) ContentPath(sha1, ext string) string {
	name := sanitizeName(sha1)
	shard := name
	if len(shard) > 2 {
		shard = shard[:2]
	}
	dir := filepath.Join(w.OriginalDir(), shard)
	_ = w.ensureDir(dir, 0750)
	if ext != "" {
		name += "." + sanitizeName(ext)
	}
	return filepath.Join(dir, name)
}

// RelativeContentPath returns ContentPath relative to UploadsDir using
// forward slashes, as used in upload URLs.
func (w *Workspace) RelativeContentPath(sha1, ext string) string {
	rel, err := filepath.Rel(w.UploadsDir(), w.ContentPath(sha1, ext))
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// --- Cleanup ---

// CleanTmp removes all contents of the tmp directory.
func (w *Workspace) CleanTmp() error {
	dir := filepath.Join(w.Root, "tmp")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading tmp dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing tmp entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// CleanStaleTmp removes tmp entries last modified more than maxAge ago,
// leaving in-flight upload staging files alone.
func (w *Workspace) CleanStaleTmp(maxAge time.Duration) error {
	dir := w.dir("tmp")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading tmp dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing tmp entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{w.UploadsDir(), w.OriginalDir(), w.TmpDir()} {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
