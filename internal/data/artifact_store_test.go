package data

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSArtifactStore_Stat(t *testing.T) {
	t.Parallel()
	store := NewFSArtifactStore()
	dir := t.TempDir()

	t.Run("existing file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "render.mp4")
		require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))

		info, err := store.Stat(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, path, info.Path)
		assert.Equal(t, int64(2048), info.Size)
	})

	t.Run("missing file wraps fs.ErrNotExist", func(t *testing.T) {
		t.Parallel()
		_, err := store.Stat(context.Background(), filepath.Join(dir, "missing.mp4"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, fs.ErrNotExist))
	})

	t.Run("directory is an error", func(t *testing.T) {
		t.Parallel()
		_, err := store.Stat(context.Background(), dir)
		require.Error(t, err)
	})
}

func TestFSArtifactStore_Move(t *testing.T) {
	t.Parallel()
	store := NewFSArtifactStore()

	t.Run("moves file and creates parents", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		src := filepath.Join(dir, "out.mov")
		require.NoError(t, os.WriteFile(src, []byte("frames"), 0o644))

		dst := filepath.Join(dir, "final", "nested", "out.mov")
		require.NoError(t, store.Move(context.Background(), src, dst))

		data, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "frames", string(data))

		_, err = os.Stat(src)
		assert.True(t, errors.Is(err, fs.ErrNotExist))
	})

	t.Run("same path is a no-op", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "same.mov")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, store.Move(context.Background(), path, path))

		_, err := os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("missing source fails", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		err := store.Move(context.Background(), filepath.Join(dir, "nope.mov"), filepath.Join(dir, "dst.mov"))
		require.Error(t, err)
	})
}
