// Package safeio reads local project trees without following paths or
// symlinks that escape the chosen root.
package safeio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("safeio: path escapes root")

// Root is a read-only view of a directory. It implements fs.FS and
// fs.ReadDirFS so it can be walked with fs.WalkDir.
type Root struct {
	abs string // absolute, symlink-free
}

// OpenRoot binds a Root to dir after resolving symlinks.
func OpenRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("safeio: %s is not a directory", dir)
	}
	return &Root{abs: abs}, nil
}

func (r *Root) Dir() string { return r.abs }

// Open implements fs.FS.
func (r *Root) Open(name string) (fs.File, error) {
	p, err := r.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return os.Open(p)
}

// ReadDir implements fs.ReadDirFS.
func (r *Root) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := r.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return os.ReadDir(p)
}

// ReadFile implements fs.ReadFileFS. Directories are rejected.
func (r *Root) ReadFile(name string) ([]byte, error) {
	p, err := r.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: name, Err: err}
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: name, Err: errors.New("is a directory")}
	}
	return os.ReadFile(p)
}

// resolve maps a slash-separated fs.FS name onto the host filesystem and
// verifies that the symlink-resolved target is still under the root.
func (r *Root) resolve(name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", fs.ErrInvalid
	}
	if name == "." {
		return r.abs, nil
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(r.abs, filepath.FromSlash(name)))
	if err != nil {
		return "", err
	}
	if !within(resolved, r.abs) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

func within(path, root string) bool {
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path, root)
}
