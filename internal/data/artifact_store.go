package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/overlayfx/renderfarm/internal/core"
)

// FSArtifactStore implements core.ArtifactStore against the local filesystem.
// Output directories are expected to be shared mounts, so "local" here means
// whatever the worker host has mounted.
type FSArtifactStore struct{}

// NewFSArtifactStore creates a filesystem-backed artifact store.
func NewFSArtifactStore() *FSArtifactStore {
	return &FSArtifactStore{}
}

// Stat returns the artifact's size. A missing file surfaces as an error
// wrapping fs.ErrNotExist.
func (s *FSArtifactStore) Stat(_ context.Context, path string) (core.ArtifactInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.ArtifactInfo{}, fmt.Errorf("artifact %s: %w", path, fs.ErrNotExist)
		}
		return core.ArtifactInfo{}, fmt.Errorf("stat artifact %s: %w", path, err)
	}
	if info.IsDir() {
		return core.ArtifactInfo{}, fmt.Errorf("artifact %s is a directory", path)
	}
	return core.ArtifactInfo{Path: path, Size: info.Size()}, nil
}

// Move relocates an artifact, creating destination directories as needed.
// Rename is attempted first; a cross-device rename falls back to copy+remove.
func (s *FSArtifactStore) Move(_ context.Context, src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move artifact %s to %s: %w", src, dst, err)
	}

	if copyErr := copyFile(src, dst); copyErr != nil {
		return fmt.Errorf("copy artifact %s to %s: %w", src, dst, copyErr)
	}
	if rmErr := os.Remove(src); rmErr != nil {
		return fmt.Errorf("remove source artifact %s: %w", src, rmErr)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return err
	}
	tmpName := out.Name()

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	// Rename within the destination directory so readers never observe a
	// partially written artifact.
	if err = os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
