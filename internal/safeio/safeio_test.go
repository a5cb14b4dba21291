package safeio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootReadsFilesUnderRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.js"), []byte("hello"), 0o644))

	root, err := OpenRoot(dir)
	require.NoError(t, err)

	body, err := root.ReadFile("src/a.js")
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	var seen []string
	require.NoError(t, fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			seen = append(seen, p)
		}
		return nil
	}))
	require.Equal(t, []string{"src/a.js"}, seen)
}

func TestRootRejectsTraversal(t *testing.T) {
	root, err := OpenRoot(t.TempDir())
	require.NoError(t, err)

	_, err = root.ReadFile("../etc/passwd")
	require.ErrorIs(t, err, fs.ErrInvalid)

	_, err = root.ReadFile("/etc/passwd")
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestRootRejectsEscapingSymlink(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))

	dir := t.TempDir()
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	root, err := OpenRoot(dir)
	require.NoError(t, err)

	_, err = root.ReadFile("link")
	require.True(t, errors.Is(err, ErrOutsideRoot), "got %v", err)
}

func TestOpenRootRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	_, err := OpenRoot(p)
	require.Error(t, err)
	_, err = OpenRoot("")
	require.Error(t, err)
}
