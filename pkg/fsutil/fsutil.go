// Package fsutil holds the filesystem primitives shared by the event stream
// reader and the recycle bin.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DirectorySyncer syncs a directory path to stable storage.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to act as a DirectorySyncer.
type DirectorySyncFunc func(dir string) error

// SyncDir implements DirectorySyncer.
func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

// DefaultSyncer fsyncs directories with SyncDir.
var DefaultSyncer DirectorySyncer = DirectorySyncFunc(SyncDir)

// SyncDir fsyncs the directory itself.
//
// https://man7.org/linux/man-pages/man2/fsync.2.html
// Calling fsync() does not necessarily ensure that the entry in the
// directory containing the file has also reached disk.  For that an
// explicit fsync() on a file descriptor for the directory is also
// needed.
func SyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}

// CopyFile copies srcPath to dstPath, which must not exist yet, keeping the
// source permissions. The copy is fsynced and a partial copy is removed on
// failure. The destination directory is synced once the copy is complete.
func CopyFile(srcPath, dstPath string, syncer DirectorySyncer) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			dst.Close()
			_ = os.Remove(dstPath)
		}
	}()

	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, err)
	}
	if err = dst.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", dstPath, err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dstPath, err)
	}

	if syncer == nil {
		syncer = DefaultSyncer
	}
	return syncer.SyncDir(filepath.Dir(dstPath))
}

// MoveFile renames srcPath to dstPath. When the rename crosses devices the
// file is copied and the source removed instead. Both parent directories are
// synced.
func MoveFile(srcPath, dstPath string, syncer DirectorySyncer) error {
	if syncer == nil {
		syncer = DefaultSyncer
	}

	if err := os.Rename(srcPath, dstPath); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return err
		}
		if err := CopyFile(srcPath, dstPath, syncer); err != nil {
			return err
		}
		if err := os.Remove(srcPath); err != nil {
			return fmt.Errorf("remove source after copy: %w", err)
		}
	} else if err := syncer.SyncDir(filepath.Dir(dstPath)); err != nil {
		return fmt.Errorf("sync destination directory: %w", err)
	}

	if err := syncer.SyncDir(filepath.Dir(srcPath)); err != nil {
		return fmt.Errorf("sync source directory: %w", err)
	}
	return nil
}

// RemoveEmptyParents walks up from the parent of path, removing directories
// that are empty. It stops at root (which is never removed), at the first
// non-empty directory, or when path is not below root.
func RemoveEmptyParents(path, root string) error {
	root = filepath.Clean(root)
	dir := filepath.Dir(filepath.Clean(path))

	for dir != root {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return nil
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				dir = filepath.Dir(dir)
				continue
			}
			return fmt.Errorf("read directory %s: %w", dir, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove empty directory %s: %w", dir, err)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
